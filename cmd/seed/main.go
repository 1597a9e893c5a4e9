package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/docpipe/backend/internal/database"
	"github.com/docpipe/backend/internal/models"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// UserData represents the structure of users in the JSON file
type UserData struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

type JSONData struct {
	Users []UserData `json:"users"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	database.Connect()

	log.Println("Running database migrations...")
	database.AutoMigrate()

	log.Println("Seeding database with initial users...")
	if err := seedUsers(); err != nil {
		log.Printf("Error seeding users: %v", err)
	}

	log.Println("✅ Database seeding completed successfully!")
}

func seedUsers() error {
	usersData, err := os.ReadFile("data/initial-users.json")
	if err != nil {
		return err
	}

	var jsonData JSONData
	if err := json.Unmarshal(usersData, &jsonData); err != nil {
		return err
	}

	for _, userData := range jsonData.Users {
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(userData.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("Error hashing password for %s: %v", userData.Email, err)
			continue
		}

		var role models.UserRole
		switch userData.Role {
		case "admin":
			role = models.RoleAdmin
		case "editor":
			role = models.RoleEditor
		case "viewer":
			role = models.RoleViewer
		default:
			log.Printf("Unknown role %s for user %s, defaulting to viewer", userData.Role, userData.Email)
			role = models.RoleViewer
		}

		user := models.User{
			Email:     userData.Email,
			Password:  string(hashedPassword),
			FirstName: userData.FirstName,
			LastName:  userData.LastName,
			Role:      role,
		}

		var existingUser models.User
		if err := database.DB.Where("email = ?", user.Email).First(&existingUser).Error; err != nil {
			if err := database.DB.Create(&user).Error; err != nil {
				log.Printf("Error creating user %s: %v", user.Email, err)
			} else {
				log.Printf("✅ Created user: %s (%s)", user.Email, user.Role)
			}
		} else {
			log.Printf("⚠️  User already exists: %s", user.Email)
		}
	}

	return nil
}
