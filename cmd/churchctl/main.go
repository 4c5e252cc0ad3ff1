package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/urfave/cli/v3"

	"churchops.org/internal/ai"
	"churchops.org/internal/auth"
)

func main() {
	log.SetFlags(0)
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "churchctl",
		Usage: "Operator helpers for the churchops API",
		Commands: []*cli.Command{
			tokenCommand(),
			toolsCommand(),
			sanitizeCommand(),
			keysCommand(),
		},
	}
	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for a user id",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Required: true, Usage: "user id to embed as subject"},
			&cli.StringFlag{Name: "secret", Sources: cli.EnvVars("CHURCHOPS_JWT_SECRET"), Usage: "signing secret"},
			&cli.StringFlag{Name: "issuer", Value: "churchops", Sources: cli.EnvVars("CHURCHOPS_JWT_ISSUER")},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			svc, err := auth.NewTokenService(c.String("secret"),
				auth.WithIssuer(c.String("issuer")), auth.WithTokenTTL(c.Duration("ttl")))
			if err != nil {
				return err
			}
			token, expires, err := svc.Issue(c.Int64("user"), nil)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{"token": token, "expires_at": expires.UTC()})
		},
	}
}

func toolsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tools",
		Usage: "List the read-only AI tool catalog",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print descriptors with input schemas"},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			descs := ai.NewCatalog().Describe()
			if c.Bool("json") {
				return printJSON(os.Stdout, descs)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tDOMAIN\tDESCRIPTION")
			for _, d := range descs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Domain, d.Description)
			}
			return tw.Flush()
		},
	}
}

func sanitizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "sanitize",
		Usage:     "Redact a message, or budget a JSON context, the way chat does",
		ArgsUsage: "[text] (reads stdin when omitted)",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "context", Usage: "treat input as a JSON context object and print the bounded result"},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			text := c.Args().First()
			if text == "" {
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				text = string(raw)
			}
			policy := ai.NewPolicy()
			if !c.Bool("context") {
				fmt.Println(policy.SanitizeMessage(text))
				return nil
			}
			var v any
			if err := json.Unmarshal([]byte(text), &v); err != nil {
				return fmt.Errorf("context is not JSON: %w", err)
			}
			out := policy.SanitizeContext(v)
			raw, _ := json.Marshal(out)
			fmt.Fprintf(os.Stderr, "%d chars (budget %d)\n", utf8.RuneCount(raw), policy.Budget())
			return printJSON(os.Stdout, out)
		},
	}
}

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Manage provider credential encryption",
		Commands: []*cli.Command{
			{
				Name:  "master",
				Usage: "Generate a random base64 master key",
				Action: func(context.Context, *cli.Command) error {
					buf := make([]byte, 32)
					if _, err := rand.Read(buf); err != nil {
						return err
					}
					fmt.Println(base64.StdEncoding.EncodeToString(buf))
					return nil
				},
			},
			{
				Name:      "encrypt",
				Usage:     "Seal a provider API key under the master key",
				ArgsUsage: "<api-key>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "master-key", Sources: cli.EnvVars("CHURCHOPS_AI_MASTER_KEY")},
				},
				Action: func(_ context.Context, c *cli.Command) error {
					plain := c.Args().First()
					if plain == "" {
						return errors.New("api key argument is required")
					}
					if c.String("master-key") == "" {
						return errors.New("master key is required")
					}
					sealed, err := ai.EncryptCredential(c.String("master-key"), plain)
					if err != nil {
						return err
					}
					fmt.Println(sealed)
					return nil
				},
			},
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
