package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/signature"
)

var (
	signSendURL string
	signSecret  string
)

var signCmd = &cobra.Command{
	Use:   "sign <payload.json|->",
	Short: "Sign a webhook payload, optionally sending it to a relay",
	Long: `Computes the sha256=<hex> HMAC signature of a payload with the
configured webhook secret. With --send the signed payload is POSTed to the
given URL, which is handy for testing a deployed relay end to end.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signSendURL, "send", "",
		"POST the signed payload to this URL (e.g. http://localhost:8080/webhook)")
	signCmd.Flags().StringVar(&signSecret, "secret", "",
		"secret to sign with (default webhook.secret)")
}

func runSign(cmd *cobra.Command, args []string) error {
	var body []byte
	var err error
	if args[0] == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	secret := signSecret
	if secret == "" {
		secret = cfg.Webhook.Secret
	}
	if secret == "" {
		return fmt.Errorf("no secret: set webhook.secret or pass --secret")
	}
	sig := signature.Sign(secret, body)

	if signSendURL == "" {
		fmt.Println(sig)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signSendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cfg.Webhook.SignatureHeader, sig)

	resp, err := http.DefaultClient.Do(req) // #nosec G107 -- URL is supplied by the operator on the command line
	if err != nil {
		return fmt.Errorf("sending payload: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	status := successStyle.Render(resp.Status)
	if resp.StatusCode >= 300 {
		status = failStyle.Render(resp.Status)
	}
	fmt.Println(status)
	fmt.Println(string(out))
	return nil
}
