package main

import (
	"bufio"
	"os"
	"strings"
)

// watchConsole reads stdin in the background and calls quit when the
// user types a line containing "q".
func watchConsole(quit func()) {
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "q") {
				quit()
				return
			}
		}
	}()
}
