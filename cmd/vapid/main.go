package main

import (
	"fmt"
	"os"

	"parley/internal/notify"
)

func main() {
	if len(os.Args) != 1 {
		fmt.Println("Usage: vapid")
		os.Exit(1)
	}

	publicKey, privateKey, err := notify.GenerateKeys()
	if err != nil {
		fmt.Printf("Error generating VAPID keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
}
