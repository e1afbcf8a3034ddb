// Package uiconfirm prompts the operator before destructive operations
// (chip erase, sector erase).
package uiconfirm

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Confirm prompts with a yes/no question, accepting "y" or "yes".
func Confirm(prompt string) bool {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print(prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// ConfirmDanger prompts for an irreversible operation (full-chip erase),
// requiring the operator to type the literal word "yes".
func ConfirmDanger(operation string) bool {
	fmt.Printf("\nWARNING: %s\n", operation)
	fmt.Println("This operation cannot be undone.")
	fmt.Print("\nType 'yes' to confirm: ")

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "yes"
}
