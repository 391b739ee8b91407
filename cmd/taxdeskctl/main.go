// Command taxdeskctl drives the API through the session client: it signs in,
// runs one command and lets the client rotate tokens as needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"taxdesk.org/internal/session"
)

func main() {
	log.SetFlags(0)
	var (
		baseURL  = flag.String("base", envOr("TAXDESK_URL", "http://localhost:8080"), "API base URL")
		email    = flag.String("email", os.Getenv("TAXDESK_EMAIL"), "account email")
		password = flag.String("password", os.Getenv("TAXDESK_PASSWORD"), "account password")
		register = flag.Bool("register", false, "create the account before running the command")
		verbose  = flag.Bool("v", false, "log client activity")
	)
	flag.Parse()
	if flag.NArg() == 0 {
		log.Fatal("usage: taxdeskctl [flags] me|companies|create-company NAME|members COMPANY_ID|upload PATH FILE")
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	client, err := session.New(*baseURL, session.NewMemoryStore(session.Session{}),
		session.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *register {
		_, err = client.Register(ctx, *email, *password, "")
	} else {
		_, err = client.Login(ctx, *email, *password)
	}
	if err != nil {
		log.Fatalf("sign in: %v", err)
	}

	var out any
	args := flag.Args()
	switch args[0] {
	case "me":
		err = client.JSON(ctx, http.MethodGet, "/api/auth/me", nil, &out)
	case "companies":
		err = client.JSON(ctx, http.MethodGet, "/api/companies", nil, &out)
	case "create-company":
		need(args, 2)
		err = client.JSON(ctx, http.MethodPost, "/api/companies", map[string]string{"name": args[1]}, &out)
	case "members":
		need(args, 2)
		err = client.JSON(ctx, http.MethodGet, "/api/companies/"+args[1]+"/members", nil, &out)
	case "upload":
		need(args, 3)
		data, rerr := os.ReadFile(args[2])
		if rerr != nil {
			log.Fatalf("read %s: %v", args[2], rerr)
		}
		err = client.Upload(ctx, args[1], nil, session.FilePart{
			Field:    "file",
			FileName: filepath.Base(args[2]),
			Data:     data,
		}, &out)
	default:
		log.Fatalf("unknown command %q", args[0])
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	fmt.Fprintln(os.Stderr, "ok")
}

func need(args []string, n int) {
	if len(args) < n {
		log.Fatalf("%s: expected %d argument(s)", args[0], n-1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
