package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/auth"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/rules"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "validate":
		return validate(args[1:], out)
	case "match":
		return match(args[1:], out)
	case "token":
		return token(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "rulectl commands:")
	fmt.Fprintln(out, "  validate --file rules.yaml")
	fmt.Fprintln(out, "  match --file rules.yaml --path /api/v1/si/erp --method GET")
	fmt.Fprintln(out, "  token --secret <hs256 secret> --sub user-1 --role system_integrator --tenant org-1")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func validate(args []string, out io.Writer) error {
	fs := newFlagSet("validate")
	path := fs.String("file", "rules.yaml", "rule file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	file, err := rules.ParseFile(*path)
	if err != nil {
		return err
	}
	reg := rules.NewRegistry(rules.UnmatchedMode(file.UnmatchedMode))
	if err := rules.LoadInto(reg, file); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d rules ok\n", *path, len(reg.Patterns()))
	return nil
}

func match(args []string, out io.Writer) error {
	fs := newFlagSet("match")
	path := fs.String("file", "rules.yaml", "rule file")
	reqPath := fs.String("path", "/", "request path to test")
	method := fs.String("method", "GET", "request method to test")
	if err := fs.Parse(args); err != nil {
		return err
	}
	file, err := rules.ParseFile(*path)
	if err != nil {
		return err
	}
	reg := rules.NewRegistry(rules.UnmatchedMode(file.UnmatchedMode))
	if err := rules.LoadInto(reg, file); err != nil {
		return err
	}
	matched := reg.Match(*reqPath, *method)
	if len(matched) == 0 {
		fmt.Fprintf(out, "no rule matches %s %s (unmatched_mode=%s)\n", *method, *reqPath, reg.Mode())
		return nil
	}
	for i, rule := range matched {
		fmt.Fprintf(out, "%d. %s %s roles=%s\n", i+1, rule.ID, rule.Pattern, strings.Join(rule.AllowedRoles, ","))
	}
	return nil
}

func token(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", "", "HS256 signing secret")
	sub := fs.String("sub", "", "subject")
	role := fs.String("role", "", "platform role claim")
	tenant := fs.String("tenant", "", "organization id claim")
	perms := fs.String("permissions", "", "comma separated permissions")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("--secret required")
	}
	if *sub == "" {
		return errors.New("--sub required")
	}
	claims := auth.TokenClaims{
		Sub:    *sub,
		Tenant: *tenant,
		Exp:    time.Now().Add(*ttl).Unix(),
	}
	if *role != "" {
		claims.Roles = []string{*role}
	}
	if *perms != "" {
		claims.Permissions = strings.Split(*perms, ",")
	}
	signed, err := auth.SignHS256Token(claims, *secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signed)
	return nil
}
