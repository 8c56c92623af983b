package main

import (
	"encoding/json"
	"fmt"

	"github.com/QYUbit/replicate/pkg/messages/instance"
	"github.com/QYUbit/replicate/pkg/messages/manager"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// Protocol lists the frames exchanged on every channel, so that clients in
// other languages can be generated from a single schema.
type Protocol struct {
	ManagerServerbound  manager.ServerboundFrame  `json:"manager_serverbound"`
	ManagerClientbound  manager.ClientboundFrame  `json:"manager_clientbound"`
	InstanceServerbound instance.ServerboundFrame `json:"instance_serverbound"`
	InstanceClientbound instance.ClientboundFrame `json:"instance_clientbound"`
	Datagram            instance.DatagramFrame    `json:"datagram"`
}

func NewSchemaCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the wire messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := buildSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func buildSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(new(Protocol))
	schema.Title = "replicate protocol"
	schema.Description = "Frames of the JSON codec. Every frame carries exactly one variant."

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
