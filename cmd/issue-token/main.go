package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/courtline/booking-engine/internal/utils"
	"github.com/courtline/booking-engine/pkg/jwt"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// issue-token prints a signed access token for local testing of the API.
// With -generate-secret it prints a fresh JWT_SECRET instead.
func main() {
	userFlag := flag.String("user", "", "user id (random when empty)")
	rolesFlag := flag.String("role", "", "comma separated roles, e.g. venue_owner")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	generate := flag.Bool("generate-secret", false, "print a new JWT secret and exit")
	flag.Parse()

	if *generate {
		secret, err := utils.GenerateSecret(32) // 256-bit
		if err != nil {
			log.Fatalf("Failed to generate secret: %v", err)
		}
		fmt.Printf("JWT_SECRET=%s\n", secret)
		return
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	userID := uuid.New()
	if *userFlag != "" {
		parsed, err := uuid.Parse(*userFlag)
		if err != nil {
			log.Fatalf("Invalid user id: %v", err)
		}
		userID = parsed
	}

	var roles []string
	for _, r := range strings.Split(*rolesFlag, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}

	token, err := jwt.NewService(secret, *ttl).GenerateAccessToken(userID, roles)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	fmt.Printf("user_id: %s\n", userID)
	fmt.Printf("roles:   %s\n", strings.Join(roles, ","))
	fmt.Printf("expires: %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token)
}
