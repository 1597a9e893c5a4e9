package main

import (
	"log"

	"github.com/docpipe/backend/internal/database"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	database.Connect()

	log.Println("Running database migrations...")
	database.AutoMigrate()

	log.Println("✅ Database migrations completed successfully!")
}
