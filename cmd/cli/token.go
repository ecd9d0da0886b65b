package cli

import (
	"errors"
	"fmt"
	"time"

	"flowstream/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagEmail  string
	flagTTLMin int
)

// tokenCmd 为已有用户签发会话 token，便于调试 API
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token for an existing user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagEmail == "" {
			return errors.New("--email is required")
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ttl := a.Config.JWT.ExpiresIn
		if flagTTLMin > 0 {
			ttl = time.Duration(flagTTLMin) * time.Minute
		}
		auth := services.NewAuthService(a.DB, a.Config.JWT.Secret, ttl, nil, logrus.StandardLogger())
		user, err := auth.UserByEmail(cmd.Context(), flagEmail)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", flagEmail, err)
		}
		tok, exp, err := auth.IssueToken(user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "company=%s user=%s role=%s expires=%s\n",
			user.CompanyID, user.ID, user.Role, exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagEmail, "email", "", "email of the user to issue the token for")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 0, "token time-to-live in minutes (default jwt.expires_in)")
}
