package cmd

import (
	"bufio"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zipchat/auth"
	"zipchat/config"
	"zipchat/crypto"
)

func newSealCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seal [secret]",
		Short: "Encrypt a secret with crypto.secret/crypto.salt for use as an enc: config value",
		Long: "Encrypt a secret with the server codec. The output can be used as auth.jwt_secret.\n" +
			"When no argument is given the secret is read from the first line of stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			plaintext, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}

			codec, err := crypto.NewCodec(cfg.Crypto.Secret, cfg.Crypto.Salt)
			if err != nil {
				return fmt.Errorf("crypto.secret and crypto.salt are required: %w", err)
			}
			sealed, err := codec.Encrypt(plaintext)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), config.SealedPrefix+sealed)
			return nil
		},
	}
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Hash a password for metrics basic auth",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}

			salt, err := crypto.GenerateSalt(16)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "password_salt: %s\n", salt)
			fmt.Fprintf(out, "password_hash: %s\n", crypto.HashPassword(password, salt))
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
		alg    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for local development",
		Long: "Issue a JWT the server accepts. With --alg eddsa an Ed25519 key pair is created\n" +
			"under the data directory on first use; point auth.jwt_public_key_path at the\n" +
			"printed public key so the server can verify it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			issuer := auth.Issuer{Issuer: cfg.Auth.Issuer}
			switch strings.ToLower(alg) {
			case "hs256":
				secret, err := cfg.JWTSecret()
				if err != nil {
					return err
				}
				if len(secret) == 0 {
					return errors.New("auth.jwt_secret is required for hs256")
				}
				issuer.Secret = secret
			case "eddsa":
				if err := config.EnsureDataDirectories(cfg.DataDir); err != nil {
					return err
				}
				privatePath := cfg.Auth.JWTPrivateKeyPath
				publicPath := cfg.Auth.JWTPublicKeyPath
				if publicPath == "" {
					publicPath = filepath.Join(filepath.Dir(privatePath), "jwt_ed25519_public.pem")
				}
				privateKey, publicKey, err := crypto.EnsureSigningKeyPair(privatePath, publicPath)
				if err != nil {
					return err
				}
				issuer.PrivateKey = privateKey
				logSigningKey(logger, publicPath, publicKey)
			default:
				return fmt.Errorf("unknown --alg %q (want hs256 or eddsa)", alg)
			}

			token, err := issuer.Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&alg, "alg", "hs256", "signing algorithm: hs256 or eddsa")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func logSigningKey(logger logrus.FieldLogger, publicPath string, publicKey ed25519.PublicKey) {
	logger.WithFields(logrus.Fields{
		"fingerprint": crypto.KeyFingerprint(publicKey),
		"public_key":  publicPath,
	}).Info("signing with Ed25519 key")
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return "", errors.New("empty input")
	}
	return line, nil
}
