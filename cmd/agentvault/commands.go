package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/avaropoint/agentvault/internal/ceiling"
	"github.com/avaropoint/agentvault/internal/credentials"
	"github.com/avaropoint/agentvault/internal/platform"
	"github.com/avaropoint/agentvault/internal/vault"
)

type cli struct {
	p     *platform.Platform
	stdin io.Reader
	out   io.Writer
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// secret returns value, or stdin when value is empty.
func (c *cli) secret(value string) ([]byte, error) {
	if value != "" {
		return []byte(value), nil
	}
	data, err := io.ReadAll(c.stdin)
	if err != nil {
		return nil, fmt.Errorf("read secret from stdin: %w", err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("expires must be RFC 3339: %w", err)
	}
	return &t, nil
}

func expiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

// parseArgs parses fs's flags wherever they appear in args, so
// "group approve <id> -as bob" and "group approve -as bob <id>" are the same,
// and returns the positional arguments in order.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func arg(pos []string, i int) string {
	if i < len(pos) {
		return pos[i]
	}
	return ""
}

func subcommand(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("missing subcommand")
	}
	return args[0], args[1:], nil
}

func (c *cli) identity(ctx context.Context, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("identity "+sub, flag.ContinueOnError)
	as := fs.String("as", "", "Acting principal")
	if _, err := parseArgs(fs, rest); err != nil {
		return err
	}

	switch sub {
	case "init":
		pub, err := c.p.InitIdentity(ctx, *as)
		if err != nil {
			return err
		}
		return c.printJSON(pub)
	case "show":
		pub, err := c.p.Credentials.PublicIdentity()
		if err != nil {
			return err
		}
		return c.printJSON(pub)
	case "rotate":
		pub, err := c.p.RotateIdentity(ctx, *as)
		if err != nil {
			return err
		}
		return c.printJSON(pub)
	case "history":
		return c.printJSON(c.p.Rotation.List())
	default:
		return fmt.Errorf("unknown identity subcommand %q", sub)
	}
}

func (c *cli) ceiling(ctx context.Context, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("ceiling "+sub, flag.ContinueOnError)
	reason := fs.String("reason", "", "Escalation reason")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}
	need := func(n int) error {
		if len(pos) < n {
			return fmt.Errorf("ceiling %s: expected %d argument(s)", sub, n)
		}
		return nil
	}

	switch sub {
	case "set":
		if err := need(2); err != nil {
			return err
		}
		level, err := ceiling.ParsePermissionLevel(pos[1])
		if err != nil {
			return err
		}
		rec, err := c.p.Ceilings.SetCeiling(ctx, pos[0], level)
		if err != nil {
			return err
		}
		return c.printJSON(rec)
	case "get":
		if err := need(1); err != nil {
			return err
		}
		fmt.Fprintln(c.out, c.p.Ceilings.GetCeiling(pos[0]))
		return nil
	case "list":
		return c.printJSON(c.p.Ceilings.ListCeilings())
	case "remove":
		if err := need(1); err != nil {
			return err
		}
		return c.p.Ceilings.RemoveCeiling(ctx, pos[0])
	case "check":
		if err := need(2); err != nil {
			return err
		}
		level, err := ceiling.ParsePermissionLevel(pos[1])
		if err != nil {
			return err
		}
		if err := c.p.Ceilings.CheckPermission(pos[0], level); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "allowed")
		return nil
	case "request":
		if err := need(2); err != nil {
			return err
		}
		level, err := ceiling.ParsePermissionLevel(pos[1])
		if err != nil {
			return err
		}
		req, err := c.p.Ceilings.RequestEscalation(ctx, pos[0], level, *reason)
		if err != nil {
			return err
		}
		return c.printJSON(req)
	case "resolve":
		if err := need(2); err != nil {
			return err
		}
		if pos[1] != "approve" && pos[1] != "deny" {
			return fmt.Errorf("ceiling resolve: decision must be approve or deny")
		}
		req, err := c.p.Ceilings.ResolveEscalation(ctx, pos[0], pos[1] == "approve")
		if err != nil {
			return err
		}
		return c.printJSON(req)
	case "requests":
		principal := ""
		if len(pos) > 0 {
			principal = pos[0]
		}
		return c.printJSON(c.p.Ceilings.ListEscalations(principal))
	case "roles":
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tDEFAULT CEILING")
		for _, r := range ceiling.CeilingRoles() {
			fmt.Fprintf(w, "%s\t%s\n", r, ceiling.CeilingForRole(r))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown ceiling subcommand %q", sub)
	}
}

func (c *cli) vault(ctx context.Context, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("vault "+sub, flag.ContinueOnError)
	as := fs.String("as", "", "Acting principal")
	tenant := fs.String("tenant", "", "Tenant id")
	user := fs.String("user", "", "User id")
	name := fs.String("name", "", "Secret name")
	credType := fs.String("type", "secret", "Credential type")
	expires := fs.String("expires", "", "Expiry (RFC 3339)")
	value := fs.String("value", "", "Secret value (read from stdin when empty)")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}

	switch sub {
	case "put":
		exp, err := parseExpiry(*expires)
		if err != nil {
			return err
		}
		plaintext, err := c.secret(*value)
		if err != nil {
			return err
		}
		entry, err := c.p.StoreSecret(ctx, *as, vault.StoreRequest{
			TenantID:       *tenant,
			UserID:         *user,
			Name:           *name,
			CredentialType: *credType,
			Plaintext:      plaintext,
			ExpiresAt:      exp,
		})
		if err != nil {
			return err
		}
		return c.printJSON(entry)
	case "get":
		if len(pos) < 1 {
			return fmt.Errorf("vault get: entry id required")
		}
		plaintext, err := c.p.RevealSecret(*as, arg(pos, 0))
		if err != nil {
			return err
		}
		_, err = c.out.Write(append(plaintext, '\n'))
		return err
	case "list":
		var entries []vault.Entry
		switch {
		case *tenant != "" && *user != "":
			entries = c.p.Vault.ListByScope(*tenant, *user)
		case *tenant != "":
			entries = c.p.Vault.ListByTenant(*tenant)
		case *user != "":
			entries = c.p.Vault.ListByUser(*user)
		default:
			return fmt.Errorf("vault list: -tenant or -user required")
		}
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tUSER\tNAME\tTYPE\tEXPIRES")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.TenantID, e.UserID, e.Name, e.CredentialType, expiry(e.ExpiresAt))
		}
		return w.Flush()
	case "delete":
		if len(pos) < 1 {
			return fmt.Errorf("vault delete: entry id required")
		}
		return c.p.DeleteSecret(ctx, *as, arg(pos, 0))
	default:
		return fmt.Errorf("unknown vault subcommand %q", sub)
	}
}

func (c *cli) cred(ctx context.Context, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("cred "+sub, flag.ContinueOnError)
	as := fs.String("as", "", "Acting principal")
	credType := fs.String("type", "oauth2", "Credential type")
	refresh := fs.String("refresh", "", "Refresh token")
	expires := fs.String("expires", "", "Expiry (RFC 3339)")
	value := fs.String("value", "", "Access token (read from stdin when empty)")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}

	switch sub {
	case "put":
		if len(pos) < 1 {
			return fmt.Errorf("cred put: name required")
		}
		exp, err := parseExpiry(*expires)
		if err != nil {
			return err
		}
		token, err := c.secret(*value)
		if err != nil {
			return err
		}
		return c.p.StoreCredential(ctx, *as, credentials.Credential{
			Name:           arg(pos, 0),
			CredentialType: *credType,
			AccessToken:    string(token),
			RefreshToken:   *refresh,
			ExpiresAt:      exp,
		})
	case "get":
		if len(pos) < 1 {
			return fmt.Errorf("cred get: name required")
		}
		cred, err := c.p.RevealCredential(*as, arg(pos, 0))
		if err != nil {
			return err
		}
		if c.p.Credentials.IsExpired(cred.Name) {
			fmt.Fprintf(c.out, "# expired %s\n", expiry(cred.ExpiresAt))
		}
		fmt.Fprintln(c.out, cred.AccessToken)
		return nil
	case "list":
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tREFRESH\tEXPIRES")
		for _, i := range c.p.Credentials.ListCredentials() {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", i.Name, i.CredentialType, i.HasRefreshToken, expiry(i.ExpiresAt))
		}
		return w.Flush()
	case "rm":
		if len(pos) < 1 {
			return fmt.Errorf("cred rm: name required")
		}
		return c.p.RemoveCredential(ctx, *as, arg(pos, 0))
	default:
		return fmt.Errorf("unknown cred subcommand %q", sub)
	}
}

func (c *cli) group(ctx context.Context, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("group "+sub, flag.ContinueOnError)
	as := fs.String("as", "", "Acting principal")
	groupID := fs.String("group", "", "Group id")
	name := fs.String("name", "", "Secret name")
	threshold := fs.Int("threshold", 2, "Distinct approvals needed to unlock")
	value := fs.String("value", "", "Secret value (read from stdin when empty)")
	pos, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}
	id := arg(pos, 0)

	switch sub {
	case "create":
		plaintext, err := c.secret(*value)
		if err != nil {
			return err
		}
		entry, err := c.p.CreateGroupSecret(ctx, *as, *groupID, *name, plaintext, *threshold)
		if err != nil {
			return err
		}
		return c.printJSON(entry)
	case "approve":
		unlocked, err := c.p.ApproveGroupSecret(ctx, *as, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "unlocked: %t\n", unlocked)
		return nil
	case "status":
		entry, err := c.p.Groups.Get(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %d/%d approvals, unlocked: %t\n", entry.Name, len(entry.Approvals), entry.Threshold, c.p.Groups.IsUnlocked(id))
		return nil
	case "reveal":
		plaintext, err := c.p.RevealGroupSecret(*as, id)
		if err != nil {
			return err
		}
		_, err = c.out.Write(append(plaintext, '\n'))
		return err
	case "list":
		return c.printJSON(c.p.Groups.ListByGroup(*groupID))
	case "delete":
		return c.p.DeleteGroupSecret(ctx, *as, id)
	default:
		return fmt.Errorf("unknown group subcommand %q", sub)
	}
}
