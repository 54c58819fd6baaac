package helpers

import (
	"os"

	"github.com/spf13/cobra"
)

// Prompt reads one line from the command's input, without echo when it is
// a terminal.
func Prompt(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		return PromptSecret(f, cmd.ErrOrStderr(), prompt)
	}
	_, _ = cmd.ErrOrStderr().Write([]byte(prompt))
	return ReadLine(cmd.InOrStdin())
}
