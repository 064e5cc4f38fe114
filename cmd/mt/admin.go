package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	mthttp "github.com/brojonat/moldtank/http"
	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/mt"
	"github.com/brojonat/moldtank/solana"
	"github.com/urfave/cli/v2"
)

var (
	EnvServerEndpoint = "SERVER_ENDPOINT"
	EnvAuthToken      = "AUTH_TOKEN"
)

func endpointFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "endpoint",
		Aliases: []string{"end", "e"},
		Usage:   "Server endpoint",
		EnvVars: []string{EnvServerEndpoint},
		Value:   "http://localhost:8080",
	}
}

func tokenFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "token",
		Usage:   "Bearer token",
		EnvVars: []string{EnvAuthToken},
	}
}

func idFlag(usage string) cli.Flag {
	return &cli.StringFlag{Name: "id", Usage: usage, Required: true}
}

func adminCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "token",
			Usage: "Get a sudo bearer token from the server",
			Flags: []cli.Flag{
				endpointFlag(),
				&cli.StringFlag{
					Name:  "email",
					Usage: "Operator email recorded in the token",
					Value: "admin@moldtank.local",
				},
				&cli.StringFlag{
					Name:     "secret-key",
					Aliases:  []string{"sk"},
					Usage:    "Server secret key",
					EnvVars:  []string{mthttp.EnvServerSecretKey},
					Required: true,
				},
				&cli.StringFlag{
					Name:  "save-to",
					Usage: "Write AUTH_TOKEN into this env file",
				},
			},
			Action: getAuthToken,
		},
		{
			Name:  "wallet-login",
			Usage: "Sign a login challenge with a Solana key and print a wallet token",
			Flags: []cli.Flag{
				endpointFlag(),
				&cli.StringFlag{
					Name:     "private-key",
					Usage:    "Base58 Solana private key",
					EnvVars:  []string{"MOLDTANK_WALLET_PRIVATE_KEY"},
					Required: true,
				},
			},
			Action: walletLogin,
		},
		{
			Name:  "bounty",
			Usage: "Bounty operations",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List bounties",
					Flags:  []cli.Flag{endpointFlag(), &cli.StringFlag{Name: "status"}, &cli.StringFlag{Name: "type"}, &cli.IntFlag{Name: "page", Value: 1}, &cli.IntFlag{Name: "limit", Value: 20}},
					Action: listBounties,
				},
				{
					Name:   "get",
					Usage:  "Show a bounty",
					Flags:  []cli.Flag{endpointFlag(), idFlag("Bounty ID")},
					Action: pathAction(http.MethodGet, "/bounties/%s", false, nil),
				},
				{
					Name:  "fund",
					Usage: "Confirm a bounty's escrow deposit",
					Flags: []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Bounty ID"),
						&cli.StringFlag{Name: "tx-hash", Usage: "Escrow deposit transaction", Required: true}},
					Action: pathAction(http.MethodPost, "/bounties/%s/fund", true, func(c *cli.Context) any {
						return api.FundBountyRequest{TxHash: c.String("tx-hash")}
					}),
				},
				{
					Name:   "payout",
					Usage:  "Run settlement for a completed bounty",
					Flags:  []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Bounty ID")},
					Action: pathAction(http.MethodPost, "/bounties/%s/payout", true, nil),
				},
				{
					Name:   "payments",
					Usage:  "List payout attempts for a bounty",
					Flags:  []cli.Flag{endpointFlag(), idFlag("Bounty ID")},
					Action: pathAction(http.MethodGet, "/bounties/%s/payments", false, nil),
				},
				{
					Name:   "cancel",
					Usage:  "Cancel a bounty",
					Flags:  []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Bounty ID")},
					Action: pathAction(http.MethodPost, "/bounties/%s/cancel", true, nil),
				},
				{
					Name:   "refund",
					Usage:  "Refund an expired or cancelled bounty",
					Flags:  []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Bounty ID")},
					Action: pathAction(http.MethodPost, "/bounties/%s/refund", true, nil),
				},
			},
		},
		{
			Name:  "submission",
			Usage: "Submission operations",
			Subcommands: []*cli.Command{
				{
					Name:   "get",
					Usage:  "Show a submission",
					Flags:  []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Submission ID")},
					Action: pathAction(http.MethodGet, "/submissions/%s", true, nil),
				},
				{
					Name:   "requeue",
					Usage:  "Send a failed submission back to validation",
					Flags:  []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Submission ID")},
					Action: pathAction(http.MethodPost, "/submissions/%s/requeue", true, nil),
				},
			},
		},
		{
			Name:  "agent",
			Usage: "Agent operations",
			Subcommands: []*cli.Command{
				{
					Name:   "get",
					Usage:  "Show an agent",
					Flags:  []cli.Flag{endpointFlag(), idFlag("Agent ID")},
					Action: pathAction(http.MethodGet, "/agents/%s", false, nil),
				},
				{
					Name:  "status",
					Usage: "Suspend or reinstate an agent",
					Flags: []cli.Flag{endpointFlag(), tokenFlag(), idFlag("Agent ID"),
						&cli.StringFlag{Name: "status", Usage: "active, inactive or suspended", Required: true}},
					Action: pathAction(http.MethodPost, "/agents/%s/status", true, func(c *cli.Context) any {
						return api.SetAgentStatusRequest{Status: c.String("status")}
					}),
				},
				{
					Name:  "claim",
					Usage: "Activate a pending agent by signing its claim message with a Solana key",
					Flags: []cli.Flag{endpointFlag(), idFlag("Agent ID"),
						&cli.StringFlag{Name: "private-key", Usage: "Base58 Solana private key of the agent wallet", EnvVars: []string{"MOLDTANK_WALLET_PRIVATE_KEY"}, Required: true}},
					Action: claimAgent,
				},
			},
		},
	}
}

// pathAction builds a command action that calls method on path (formatted
// with --id) and prints the response. body may be nil.
func pathAction(method, path string, auth bool, body func(*cli.Context) any) cli.ActionFunc {
	return func(c *cli.Context) error {
		var payload any
		if body != nil {
			payload = body(c)
		}
		token := ""
		if auth {
			token = c.String("token")
		}
		res, err := doRequest(c, method, fmt.Sprintf(path, url.PathEscape(c.String("id"))), token, payload)
		if err != nil {
			return err
		}
		return printServerResponse(res)
	}
}

func doRequest(c *cli.Context, method, path, token string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	r, err := http.NewRequestWithContext(c.Context, method, strings.TrimRight(c.String("endpoint"), "/")+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(r)
	if err != nil {
		return nil, fmt.Errorf("could not do server request: %w", err)
	}
	return res, nil
}

func getAuthToken(c *cli.Context) error {
	r, err := http.NewRequestWithContext(c.Context, http.MethodPost, strings.TrimRight(c.String("endpoint"), "/")+"/token", nil)
	if err != nil {
		return err
	}
	r.SetBasicAuth(c.String("email"), c.String("secret-key"))
	res, err := http.DefaultClient.Do(r)
	if err != nil {
		return fmt.Errorf("could not do server request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body = io.NopCloser(bytes.NewReader(body))
		return printServerResponse(res)
	}
	var tok api.TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}

	if path := c.String("save-to"); path != "" {
		if err := upsertEnvLine(path, EnvAuthToken, tok.AccessToken); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Bearer token written to %s\n", path)
	}

	res.Body = io.NopCloser(bytes.NewReader(body))
	return printServerResponse(res)
}

// upsertEnvLine sets key=value in the env file at path, creating it if needed.
func upsertEnvLine(path, key, value string) error {
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	entry := key + "=" + value
	found := false
	for i, line := range lines {
		if strings.HasPrefix(line, key+"=") {
			lines[i] = entry
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, entry)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func walletLogin(c *cli.Context) error {
	key, err := solana.LoadPrivateKeyFromBase58(c.String("private-key"))
	if err != nil {
		return err
	}
	wallet := key.PublicKey().String()
	msg := mthttp.LoginMessage(wallet, time.Now())
	sig, err := key.Sign([]byte(msg))
	if err != nil {
		return fmt.Errorf("sign login message: %w", err)
	}
	res, err := doRequest(c, http.MethodPost, "/auth/wallet", "", api.WalletLoginRequest{
		Wallet:    wallet,
		Message:   msg,
		Signature: sig.String(),
	})
	if err != nil {
		return err
	}
	return printServerResponse(res)
}

func claimAgent(c *cli.Context) error {
	key, err := solana.LoadPrivateKeyFromBase58(c.String("private-key"))
	if err != nil {
		return err
	}
	id := c.String("id")
	sig, err := key.Sign([]byte(mt.ClaimMessage(id)))
	if err != nil {
		return fmt.Errorf("sign claim message: %w", err)
	}
	res, err := doRequest(c, http.MethodPost, "/agents/"+url.PathEscape(id)+"/claim", "", api.ClaimAgentRequest{Signature: sig.String()})
	if err != nil {
		return err
	}
	return printServerResponse(res)
}

func listBounties(c *cli.Context) error {
	q := url.Values{}
	q.Set("page", fmt.Sprint(c.Int("page")))
	q.Set("limit", fmt.Sprint(c.Int("limit")))
	if s := c.String("status"); s != "" {
		q.Set("status", s)
	}
	if s := c.String("type"); s != "" {
		q.Set("type", s)
	}
	res, err := doRequest(c, http.MethodGet, "/bounties?"+q.Encode(), "", nil)
	if err != nil {
		return err
	}
	return printServerResponse(res)
}
