package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/vzahanych/fallwatch/internal/detection"
)

type authOptions struct {
	login    string
	password string
}

func newLoginCommand(root *rootOptions) *cobra.Command {
	return newAuthCommand(root, "login", "Sign in to the detection service", false)
}

func newRegisterCommand(root *rootOptions) *cobra.Command {
	return newAuthCommand(root, "register", "Create an account on the detection service", true)
}

func newAuthCommand(root *rootOptions, use, short string, register bool) *cobra.Command {
	opts := &authOptions{}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd.Context(), root, opts, register)
		},
	}

	cmd.Flags().StringVarP(&opts.login, "user", "u", "", "Login name")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "Password (prompted when omitted)")

	return cmd
}

func runAuth(ctx context.Context, root *rootOptions, opts *authOptions, register bool) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.close()

	creds := detection.Credentials{Login: opts.login, Password: opts.password}
	if creds.Login == "" {
		creds.Login, _ = pterm.DefaultInteractiveTextInput.Show("Login")
	}
	if creds.Password == "" {
		creds.Password, _ = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
	}
	if creds.Login == "" || creds.Password == "" {
		return errors.New("login and password are required")
	}

	client := a.detectionClient(a.config())
	var token string
	if register {
		token, err = client.Register(ctx, creds)
	} else {
		token, err = client.Login(ctx, creds)
	}
	if err != nil {
		pterm.Error.Println(authMessage(err))
		return err
	}

	pterm.Success.Println("Authenticated")
	pterm.Println(token)
	return nil
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, detection.ErrDisconnected):
		return "Cannot connect to the detection service"
	case errors.Is(err, detection.ErrUserExists):
		return "A user with this login already exists"
	case errors.Is(err, detection.ErrBadRequest):
		return "The request was rejected"
	case errors.Is(err, detection.ErrUnauthorized):
		return "Wrong login or password"
	default:
		return err.Error()
	}
}
