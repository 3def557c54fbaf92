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
	"strings"

	"github.com/go-authgate/session-cli/apiclient"
	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tui"
)

const tokenPreviewLen = 20

var errUsage = errors.New("invalid usage")

// commands runs one CLI command against the API client.
type commands struct {
	client  *apiclient.Client
	d       tui.Displayer
	stdin   io.Reader
	stdout  io.Writer
	backend string
}

// execute runs args and reports the outcome through the displayer. Failed
// API calls have already produced their notice, so only other errors are
// reported as fatal.
func (c *commands) execute(ctx context.Context, args []string) error {
	err := c.dispatch(ctx, args)
	if err == nil {
		return nil
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		c.d.Done("")
	} else {
		c.d.Fatal(err)
	}
	return err
}

func (c *commands) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	name, rest := strings.ToLower(args[0]), args[1:]
	switch name {
	case "login":
		return c.login(ctx, rest)
	case "logout":
		return c.logout(ctx, rest)
	case "status":
		return c.status(ctx)
	case "get", "delete", "post", "put", "patch":
		return c.call(ctx, strings.ToUpper(name), rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (c *commands) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (or SESSION_PASSWORD env)")
	remember := fs.Bool("remember", false, "keep the session for 30 days")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *password == "" {
		*password = getEnv("SESSION_PASSWORD", "")
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("%w: login needs -email and -password", errUsage)
	}

	c.d.Working("Signing in")
	res, err := c.client.SignIn(ctx, *email, *password, *remember)
	if err != nil {
		return err
	}
	c.d.SignedIn(res.User, *remember)
	c.d.Done("Signed in")
	return nil
}

func (c *commands) logout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	all := fs.Bool("all", false, "sign out on every device")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	c.d.Working("Signing out")
	// The local session is gone either way; a server failure is only a warning.
	c.d.SignedOut(c.client.SignOut(ctx, *all))
	c.d.Done("")
	return nil
}

func (c *commands) status(ctx context.Context) error {
	c.d.Status(c.statusInfo(ctx))
	c.d.Done("")
	return nil
}

func (c *commands) statusInfo(ctx context.Context) tui.StatusInfo {
	store := c.client.Session()
	token := store.Token(ctx)

	info := tui.StatusInfo{
		Authenticated: store.IsAuthenticated(ctx),
		User:          store.User(ctx),
		DeviceID:      c.client.DeviceID(ctx),
		Backend:       c.backend,
	}
	if token != "" {
		info.TokenPreview = token[:min(len(token), tokenPreviewLen)]
		if ti, err := session.InspectToken(token); err == nil {
			info.Token = ti
		}
	}
	return info
}

func (c *commands) call(ctx context.Context, method string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s needs a path", errUsage, strings.ToLower(method))
	}
	path := args[0]

	var body any
	if len(args) > 1 {
		if method == http.MethodGet || method == http.MethodDelete {
			return fmt.Errorf("%w: %s takes no body", errUsage, strings.ToLower(method))
		}
		raw, err := c.readBody(args[1])
		if err != nil {
			return err
		}
		body = json.RawMessage(raw)
	}

	c.d.Working(method + " " + path)
	var out json.RawMessage
	if err := c.client.Do(ctx, method, path, body, &out); err != nil {
		return err
	}
	c.d.Done("")
	return writeJSON(c.stdout, out)
}

// readBody returns arg as a JSON body, or stdin when arg is "-".
func (c *commands) readBody(arg string) ([]byte, error) {
	raw := []byte(arg)
	if arg == "-" {
		var err error
		if raw, err = io.ReadAll(c.stdin); err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not valid JSON", errUsage)
	}
	return raw, nil
}

func writeJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
