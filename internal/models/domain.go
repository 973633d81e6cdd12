package models

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DomainType prefixes every identifier minted by the gateway so that an ID is
// self-describing on the wire.
type DomainType string

const (
	DomainFlow             DomainType = "flow"
	DomainFlowInput        DomainType = "flow_input"
	DomainTaskAgentExecute DomainType = "task_agent_execute"
)

var idSuffixPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// NewID generates a domain-prefixed identifier: "<domain>-<32 hex chars>".
func NewID(domain DomainType) string {
	return string(domain) + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ValidateID checks that id is a well-formed domain-prefixed identifier for
// one of the known domains.
func ValidateID(id string) error {
	for _, domain := range []DomainType{DomainFlow, DomainFlowInput, DomainTaskAgentExecute} {
		prefix := string(domain) + "-"
		if strings.HasPrefix(id, prefix) {
			suffix := id[len(prefix):]
			if idSuffixPattern.MatchString(suffix) {
				return nil
			}
			return fmt.Errorf("id %q: suffix must be 32 hexadecimal characters", id)
		}
	}
	return fmt.Errorf("id %q: unknown domain prefix", id)
}
