package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/akoresins/factory_backend/utils"
)

// Prints the bcrypt hash for the ADMIN_PASS_HASH env var guarding deletion.
func main() {
	pass := flag.String("pass", "", "Required: plaintext admin pass to hash")
	flag.Parse()

	if *pass == "" {
		fmt.Fprintln(os.Stderr, "--pass is required")
		os.Exit(1)
	}
	hash, err := utils.HashPassword(*pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hashing failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
