package cmd

import (
	"fmt"
	"hanbok-fusion/app/auth"
	"hanbok-fusion/app/config"

	"github.com/spf13/cobra"
)

var tokenEmail string

var tokenCmd = &cobra.Command{
	Use:   "token <owner_id>",
	Short: "用配置的密钥签发本地测试令牌",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		token, err := auth.NewJWTService(cfg.JWT).GenerateToken(args[0], tokenEmail)
		if err != nil {
			return fmt.Errorf("签发令牌失败: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "写入令牌的邮箱")
	rootCmd.AddCommand(tokenCmd)
}
