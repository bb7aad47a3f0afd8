package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore"
)

// RunCliClient method starts a simple REPL program
// using the kvstore library.
func RunCliClient(servers []common.CoreMember) error {
	store, err := kvstore.NewKeyValStore(servers, 10*time.Second)
	if err != nil {
		return err
	}
	fmt.Println("<<<< KV Store Using Raft >>>>")
	fmt.Println("Available commands: ")
	fmt.Println("\t GET <key>")
	fmt.Println("\t SET <key> <val>")
	fmt.Println("\t DEL <key>")
	fmt.Println("\t STATUS")
	fmt.Printf("\n\n")
	for {
		fmt.Printf("$ ")
		var command, key, val string
		if _, err := fmt.Scanf("%s", &command); err != nil {
			return err
		}
		switch strings.ToUpper(command) {
		case "GET":
			if _, err := fmt.Scanln(&key); err != nil {
				return err
			}
			val, err := store.Get(key)
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				fmt.Printf("%s not found\n", key)
			} else if err != nil {
				fmt.Println(err)
			} else {
				fmt.Printf("%s = %s, OK\n", key, val)
			}
		case "SET":
			if _, err := fmt.Scanln(&key, &val); err != nil {
				return err
			}
			if _, err := store.Set(key, val); err != nil {
				fmt.Println(err)
			} else {
				fmt.Printf("%s = %s, OK\n", key, val)
			}
		case "DEL":
			if _, err := fmt.Scanln(&key); err != nil {
				return err
			}
			result, err := store.Delete(key)
			if err != nil {
				fmt.Println(err)
			} else if !result.Existed {
				fmt.Printf("%s not found\n", key)
			} else {
				fmt.Printf("%s deleted, OK\n", key)
			}
		case "STATUS":
			for _, server := range servers {
				status, err := store.StatusOf(server)
				if err != nil {
					fmt.Printf("%v: %v\n", server.ID, err)
					continue
				}
				fmt.Printf("%v: %s term=%d commit=%d applied=%d\n", server.ID, status.Role, status.Term,
					status.CommitIndex, status.LastApplied)
			}
		default:
			fmt.Println("Incorrect command")
		}
	}
}
