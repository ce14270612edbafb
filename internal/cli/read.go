package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/docdb/internal/records"

	flag "github.com/spf13/pflag"
)

var formats = []string{"json", "yaml"}

// ReadCmd returns the read command.
func ReadCmd(a *app) *Command {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	fs.StringP("format", "f", "json", "Output format (json|yaml)")
	fs.StringP("section", "s", "", "Print only this top-level field (e.g. users, activityLog)")

	cmd := &Command{
		Flags: fs,
		Usage: "read [flags]",
		Short: "Print the document",
		Long: "Print the current document. A missing or empty document file is\n" +
			"initialised with the default document first.",
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) > 0 {
			return cmd.usageErrorf("unexpected argument: %s", args[0])
		}

		format, _ := fs.GetString("format")
		if !slices.Contains(formats, format) {
			return cmd.usageErrorf("invalid format: %s (want %s)", format, strings.Join(formats, "|"))
		}

		section, _ := fs.GetString("section")

		doc, err := a.read(ctx)
		if err != nil {
			return err
		}

		return printDocument(o, doc, section, format)
	}

	return cmd
}

func printDocument(o *IO, doc records.Document, section, format string) error {
	var v any = doc

	if section != "" {
		fields, err := toFields(doc)
		if err != nil {
			return err
		}

		got, ok := fields[section]
		if !ok {
			return fmt.Errorf("unknown section: %s", section)
		}

		v = got
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}

	if format == "yaml" {
		out, err = jsonToYAML(out)
		if err != nil {
			return err
		}

		o.Printf("%s", out)

		return nil
	}

	o.Println(string(out))

	return nil
}

func toFields(doc records.Document) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding json: %w", err)
	}

	var fields map[string]json.RawMessage

	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}

	return fields, nil
}

// jsonToYAML re-encodes JSON as block-style YAML with the JSON field names
// and order.
func jsonToYAML(data []byte) ([]byte, error) {
	var node yaml.Node

	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}

	blockStyle(&node)

	out, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}

	return out, nil
}

func blockStyle(n *yaml.Node) {
	n.Style = 0

	for _, c := range n.Content {
		blockStyle(c)
	}
}
