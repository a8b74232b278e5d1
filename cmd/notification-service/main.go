package main

import (
	"log"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/app"
)

func main() {
	if err := app.RunNotificationService(); err != nil {
		log.Fatalf("notification service: %v", err)
	}
}
