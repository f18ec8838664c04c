package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aeolun/textrelay/pkg/client"
	"github.com/aeolun/textrelay/pkg/protocol"
)

func main() {
	serverAddr := flag.String("server", "localhost:6467", "Server address (host:port)")
	flag.Parse()

	c, err := client.Dial(*serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	go c.ReceivePushed(func(message string) {
		if message == protocol.PushLogout {
			fmt.Println("Logged out due to inactivity.")
			os.Exit(0)
		}
		fmt.Println(message)
	})

	stdin := bufio.NewScanner(os.Stdin)

	if err := runLogin(c, stdin); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	fmt.Println("Logged in. Commands: message <user> <text>, broadcast <text>, whoelse, whoelsesince <seconds>, block <user>, unblock <user>, logout")

	runCommands(c, stdin)
}

// runLogin drives the server's login dialogue: username prompt,
// registration for unknown names, password attempts with retry, and the
// lockout verdicts.
func runLogin(c *client.Client, stdin *bufio.Scanner) error {
	for {
		tok, err := c.Receive()
		if err != nil {
			return err
		}
		if tok != protocol.RespUsername {
			return fmt.Errorf("unexpected server token %q", tok)
		}

		username := prompt(stdin, "Username: ")
		if err := c.Send(username); err != nil {
			return err
		}

		verdict, err := c.Receive()
		if err != nil {
			return err
		}

		switch verdict {
		case protocol.RespNewUser:
			password := prompt(stdin, "New account. Choose a password: ")
			if err := c.Send(password); err != nil {
				return err
			}
			tok, err := c.Receive()
			if err != nil {
				return err
			}
			if tok == protocol.RespAlreadyLoggedIn {
				// Someone else claimed the name mid-registration.
				fmt.Println("That user is already logged in elsewhere.")
				continue
			}
			if tok != protocol.RespOK {
				return fmt.Errorf("registration rejected: %s", tok)
			}
			return nil

		case protocol.RespAlreadyLoggedIn:
			fmt.Println("That user is already logged in elsewhere.")
			continue

		case protocol.RespUserIsBlocked:
			return fmt.Errorf("account is temporarily locked out")

		case protocol.RespOK:
			if err := runPasswordAttempts(c, stdin); err != nil {
				return err
			}
			return nil

		default:
			return fmt.Errorf("unexpected server token %q", verdict)
		}
	}
}

func runPasswordAttempts(c *client.Client, stdin *bufio.Scanner) error {
	for {
		password := prompt(stdin, "Password: ")
		if err := c.Send(password); err != nil {
			return err
		}

		verdict, err := c.Receive()
		if err != nil {
			return err
		}
		switch verdict {
		case protocol.RespOK:
			return nil
		case protocol.RespFail:
			fmt.Println("Invalid password, try again.")
		case protocol.RespMaxAttempt:
			seconds, err := c.Receive()
			if err != nil {
				return err
			}
			return fmt.Errorf("too many failed attempts; locked out for %s seconds", seconds)
		default:
			return fmt.Errorf("unexpected server token %q", verdict)
		}
	}
}

// runCommands reads commands from stdin and translates each into the wire
// exchange: the upper-cased command word first, then one frame per
// argument, then one reply frame (except logout, which has none).
func runCommands(c *client.Client, stdin *bufio.Scanner) {
	for {
		line := prompt(stdin, "> ")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		command := strings.ToUpper(fields[0])
		args := fields[1:]

		var frames []string
		switch command {
		case protocol.CmdMessage:
			if len(args) < 2 {
				fmt.Println("usage: message <user> <text>")
				continue
			}
			frames = []string{args[0], strings.Join(args[1:], " ")}
		case protocol.CmdBroadcast:
			if len(args) < 1 {
				fmt.Println("usage: broadcast <text>")
				continue
			}
			frames = []string{strings.Join(args, " ")}
		case protocol.CmdWhoElse:
		case protocol.CmdWhoElseSince, protocol.CmdBlock, protocol.CmdUnblock:
			if len(args) != 1 {
				fmt.Printf("usage: %s <arg>\n", strings.ToLower(command))
				continue
			}
			frames = []string{args[0]}
		case protocol.CmdLogout:
			c.Send(protocol.CmdLogout)
			return
		default:
			fmt.Println("Unknown command.")
			continue
		}

		if err := c.Send(command); err != nil {
			log.Fatalf("Connection lost: %v", err)
		}
		for _, frame := range frames {
			if err := c.Send(frame); err != nil {
				log.Fatalf("Connection lost: %v", err)
			}
		}

		reply, err := c.Receive()
		if err != nil {
			log.Fatalf("Connection lost: %v", err)
		}
		fmt.Println(reply)
	}
}

func prompt(stdin *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !stdin.Scan() {
		os.Exit(0)
	}
	return strings.TrimSpace(stdin.Text())
}
