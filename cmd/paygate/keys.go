package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/receipt"
	"github.com/spf13/cobra"
	jose "gopkg.in/square/go-jose.v2"
)

const (
	privateKeyFile = "tap-agent-private.pem"
	publicKeyFile  = "tap-agent-public.pem"
)

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 agent key pair",
		Long: `Generate an Ed25519 key pair for signing agent requests.

Writes tap-agent-private.pem (mode 0600) and tap-agent-public.pem to the
output directory and prints the derived key id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := httpsig.GenerateEd25519()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}
			priv := filepath.Join(out, privateKeyFile)
			if _, err := os.Stat(priv); err == nil {
				return fmt.Errorf("%s already exists", priv)
			}
			if err := os.WriteFile(priv, kp.PrivatePEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(out, publicKeyFile), kp.PublicPEM, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\nprivate key: %s\npublic key: %s\n",
				kp.KeyID, priv, filepath.Join(out, publicKeyFile))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	return cmd
}

func signCmd() *cobra.Command {
	var keyPath, keyID, target, method, tag string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signature headers for a request",
		Long: `Sign a request with an agent key and print the Signature-Input and
Signature headers, ready to paste into curl.

Examples:
  paygate sign --key tap-agent-private.pem --url https://gw.example.com/discover
  paygate sign --key k.pem --method POST --url https://gw.example.com/fetch --tag agent-payer-auth`,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := loadSigner(keyPath, keyID)
			if err != nil {
				return err
			}
			req, err := http.NewRequest(strings.ToUpper(method), target, nil)
			if err != nil {
				return err
			}
			if err := signer.SignRequest(req, tag); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %s\n", httpsig.HeaderSignatureInput, req.Header.Get(httpsig.HeaderSignatureInput))
			fmt.Fprintf(w, "%s: %s\n", httpsig.HeaderSignature, req.Header.Get(httpsig.HeaderSignature))
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", privateKeyFile, "private key PEM")
	cmd.Flags().StringVar(&keyID, "keyid", "", "key id (derived from the key when empty)")
	cmd.Flags().StringVarP(&target, "url", "u", "", "request URL")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "request method")
	cmd.Flags().StringVar(&tag, "tag", "", "purpose tag (inferred from the path when empty)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func loadSigner(path, keyID string) (*httpsig.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return httpsig.NewSignerFromPEM(data, keyID)
}

func receiptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Work with signed receipts",
	}

	var jwksPath string
	verify := &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a receipt token against a JWKS document",
		Long: `Verify a receipt token against the gateway's published keys and print
its claims. Fetch the keys from /.well-known/receipt-keys.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(jwksPath)
			if err != nil {
				return err
			}
			var keys jose.JSONWebKeySet
			if err := json.Unmarshal(data, &keys); err != nil {
				return fmt.Errorf("parse %s: %w", jwksPath, err)
			}
			rec, err := receipt.Verify(strings.TrimSpace(args[0]), keys)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	verify.Flags().StringVar(&jwksPath, "jwks", "receipt-keys.json", "JWKS file")
	cmd.AddCommand(verify)
	return cmd
}
