package jobs

import (
	"encoding/json"
	"fmt"
)

// DestinationKind discriminates alert destinations at the serialization
// boundary. Internal code switches on the typed constant, never on raw
// strings.
type DestinationKind string

const (
	DestEmail     DestinationKind = "email"
	DestPagerDuty DestinationKind = "pagerduty"
	DestVictorOps DestinationKind = "victorops"
)

// AlertDestination is a tagged variant over the supported channels. Each
// carries a label and a delivery address or routing key; it is polymorphic
// only over how to notify.
type AlertDestination struct {
	Kind    DestinationKind
	Label   string
	Address string // email address, integration key, or routing key
}

type destinationEnvelope struct {
	Type    string `json:"type"`
	Label   string `json:"label,omitempty"`
	Address string `json:"address"`
}

func (d AlertDestination) MarshalJSON() ([]byte, error) {
	if !d.Kind.valid() {
		return nil, fmt.Errorf("alert destination: unknown kind %q", d.Kind)
	}
	return json.Marshal(destinationEnvelope{
		Type:    string(d.Kind),
		Label:   d.Label,
		Address: d.Address,
	})
}

func (d *AlertDestination) UnmarshalJSON(b []byte) error {
	var env destinationEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	kind := DestinationKind(env.Type)
	if !kind.valid() {
		return fmt.Errorf("alert destination: unknown type %q", env.Type)
	}
	d.Kind = kind
	d.Label = env.Label
	d.Address = env.Address
	return nil
}

func (k DestinationKind) valid() bool {
	switch k {
	case DestEmail, DestPagerDuty, DestVictorOps:
		return true
	}
	return false
}
