// Command stakectl is the operator and client tool for a stakecourt server.
//
//	stakectl keygen  -out key.json -password ...   create an encrypted signing key
//	stakectl address -key ... | -key-file ...       print the address of a key
//	stakectl sign    -key ... -method POST -url ... -body '{...}' [-send]
//	stakectl bets    -api http://localhost:8000 [-status open]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/stakecourt/internal/crypto"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

const usage = `usage: stakectl <command> [flags]

commands:
  keygen    generate a signing key and store it encrypted
  address   print the address of a key
  sign      sign an API request, optionally sending it
  bets      list bets from a running server
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "stakectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "keygen":
		return keygen(args[1:], out)
	case "address":
		return address(args[1:], out)
	case "sign":
		return sign(ctx, args[1:], out)
	case "bets":
		return listBets(ctx, args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// keyFlags registers the flags that locate a signing key.
func keyFlags(fs *flag.FlagSet) *crypto.KeyConfig {
	var kc crypto.KeyConfig
	fs.StringVar(&kc.RawPrivateKey, "key", os.Getenv("STAKECOURT_PRIVATE_KEY"), "hex private key")
	fs.StringVar(&kc.EncryptedKeyPath, "key-file", "", "encrypted key file written by keygen")
	fs.StringVar(&kc.KeyPassword, "password", os.Getenv("STAKECOURT_KEY_PASSWORD"), "key file password")
	return &kc
}

func keygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("out", "stakecourt-key.json", "where to write the encrypted key")
	password := fs.String("password", os.Getenv("STAKECOURT_KEY_PASSWORD"), "encryption password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	data, err := crypto.EncryptKey(key, *password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	signer, err := crypto.NewSigner(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "address: %s\nkey file: %s\n", signer.Address().Hex(), *path)
	return nil
}

func address(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	kc := keyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	signer, err := loadSigner(*kc)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signer.Address().Hex())
	return nil
}

func loadSigner(kc crypto.KeyConfig) (*crypto.Signer, error) {
	key, err := crypto.LoadKey(kc)
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(key)
}

func sign(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	kc := keyFlags(fs)
	method := fs.String("method", http.MethodPost, "HTTP method")
	target := fs.String("url", "", "full request URL")
	body := fs.String("body", "", "request body")
	send := fs.Bool("send", false, "send the request and print the response")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return errors.New("sign: -url is required")
	}
	signer, err := loadSigner(*kc)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(*method), *target, strings.NewReader(*body))
	if err != nil {
		return fmt.Errorf("sign: build request: %w", err)
	}
	if *body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := signer.SignRequest(req, []byte(*body), time.Now()); err != nil {
		return err
	}

	if !*send {
		for _, h := range []string{crypto.HeaderAddress, crypto.HeaderTimestamp, crypto.HeaderSignature} {
			fmt.Fprintf(out, "%s: %s\n", h, req.Header.Get(h))
		}
		return nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sign: send: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sign: read response: %w", err)
	}
	fmt.Fprintf(out, "%s\n%s\n", resp.Status, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

type betsPage struct {
	Bets  []*domain.Bet `json:"bets"`
	Total int           `json:"total"`
}

func listBets(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bets", flag.ContinueOnError)
	api := fs.String("api", "http://localhost:8000", "server base URL")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	q.Set("limit", fmt.Sprint(*limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(*api, "/")+"/api/bets?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bets: server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var page betsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("bets: decode: %w", err)
	}
	return renderBets(out, page)
}

func renderBets(out io.Writer, page betsPage) error {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Status", "Proposer", "Ratio", "Offered", "Filled", "Bet End", "Description")
	for _, b := range page.Bets {
		if err := table.Append(
			fmt.Sprint(b.ID),
			b.Status.String(),
			shortAddr(b.Proposer.Hex()),
			fmt.Sprintf("%d:%d", b.Terms.Ratio.Favorite, b.Terms.Ratio.Underdog),
			b.Principal.Offered.Dec(),
			b.Principal.Filled.Dec(),
			b.Terms.BetEnd.UTC().Format(time.DateTime),
			b.Terms.Description,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d bets\n", len(page.Bets), page.Total)
	return nil
}

func shortAddr(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + "…" + hex[len(hex)-4:]
}
