package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AccessData is the descriptor written by the installer onto the instance
// hosting the control plane, read back at boot to identify that instance.
type AccessData struct {
	InstanceName string `json:"instance_name"`
	IPAddress    string `json:"ip_address"`
	InstanceID   string `json:"instance_id"`
}

// LoadAccessData reads the access descriptor from path.
func LoadAccessData(path string) (*AccessData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read access data: %w", err)
	}
	var ad AccessData
	if err := json.Unmarshal(raw, &ad); err != nil {
		return nil, fmt.Errorf("parse access data: %w", err)
	}
	return &ad, nil
}
