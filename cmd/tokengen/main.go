// tokengen mints signed access tokens for local development and testing.
//
// Usage:
//
//	JWT_SECRET=dev-secret tokengen -id cust-42 -name "Ada" -role customer -ttl 24h
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/craftline/support-chat/internal/auth"
)

func main() {
	var (
		id   = flag.String("id", "", "identity id (required)")
		name = flag.String("name", "", "display name (defaults to the id)")
		role = flag.String("role", auth.RoleCustomer, "role: customer or staff")
		ttl  = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *role != auth.RoleCustomer && *role != auth.RoleStaff {
		log.Fatalf("unknown role %q", *role)
	}
	if *name == "" {
		*name = *id
	}

	identity := auth.Identity{ID: *id, DisplayName: *name, Role: *role}
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(identity, *ttl)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}

	fmt.Println(token)
}
