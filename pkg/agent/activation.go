package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const activationEnv = "DEPLOYX_ACTIVATION_KEY"

// Activation gates command execution: an agent without a key connects
// and reports status, but refuses to run anything.
type Activation struct {
	Key         string    `json:"activation_key"`
	ActivatedAt time.Time `json:"activated_at"`

	path string
}

// LoadActivation reads the activation record from dataDir, with the
// environment variable taking precedence so containerized agents can
// skip the file entirely.
func LoadActivation(dataDir string) (*Activation, error) {
	a := &Activation{path: filepath.Join(dataDir, "activation.json")}

	if key := os.Getenv(activationEnv); key != "" {
		a.Key = key
		a.ActivatedAt = time.Now().UTC()
		return a, nil
	}

	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	return a, nil
}

// Activated reports whether the agent may execute commands.
func (a *Activation) Activated() bool {
	return a.Key != ""
}

// Activate stores the key so it survives restarts.
func (a *Activation) Activate(key string) error {
	if key == "" {
		return fmt.Errorf("empty activation key")
	}
	a.Key = key
	a.ActivatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("activation: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("activation: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0o600); err != nil {
		return fmt.Errorf("activation: %w", err)
	}
	return nil
}
