package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// promptIfEmpty asks for a value when *dst is empty. Secrets are masked.
func promptIfEmpty(dst *string, label string, secret bool, validate promptui.ValidateFunc) error {
	if strings.TrimSpace(*dst) != "" {
		return nil
	}
	p := promptui.Prompt{
		Label:    label,
		Validate: validate,
	}
	if secret {
		p.Mask = '*'
	}
	v, err := p.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return fmt.Errorf("%s: aborted", strings.ToLower(label))
		}
		return fmt.Errorf("%s: %w", strings.ToLower(label), err)
	}
	*dst = v
	return nil
}

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}
