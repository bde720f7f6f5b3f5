// labfeedctl is the interactive command-line client for labfeedd.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/labfeed/labfeed/internal/client"
	"golang.org/x/term"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	addr := flag.String("addr", "localhost:9410", "server address")
	token := flag.String("token", "", "auth token (or LABFEED_TOKEN env)")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("labfeedctl %s\n", Version)
		return
	}

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("LABFEED_TOKEN")
	}
	if authToken == "" {
		var err error
		if authToken, err = promptToken(); err != nil {
			fmt.Fprintf(os.Stderr, "read token: %v\n", err)
			os.Exit(1)
		}
	}

	c := client.New(&client.Config{
		Addr:           *addr,
		Token:          authToken,
		ConnectTimeout: *timeout,
		RequestTimeout: *timeout,
	})
	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("connected to %s (session %s)\n", *addr, c.SessionID())
	client.NewREPL(c).Run()
}

// promptToken reads the token from the terminal without echoing it.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no token given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
