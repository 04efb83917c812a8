package main

import (
	"fmt"
	"os"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
)

func main() {
	fmt.Println("--- COPY BELOW TO .env.local ---")
	for _, name := range []string{"ENCRYPTION_SECRET", "HASH_SECRET", "SESSION_SECRET"} {
		key, err := crypto.GenerateKey()
		if err != nil {
			fmt.Printf("Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s=%s\n", name, key)
	}
	fmt.Println("--------------------------------")
}
