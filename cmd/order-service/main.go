package main

import (
	"log"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/app"
)

func main() {
	if err := app.RunOrderService(); err != nil {
		log.Fatalf("order service: %v", err)
	}
}
