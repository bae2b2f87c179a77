// genhash imprime el hash bcrypt de una contraseña para auth.operators.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"outdial/internal/auth"
)

func main() {
	var password string
	if len(os.Args) > 1 {
		password = os.Args[1]
	} else {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "uso: genhash <password>  (o por stdin)")
		os.Exit(1)
	}

	h, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(h)
}
