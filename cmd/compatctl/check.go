package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/matt-riley/compatz/internal/core"
	"github.com/matt-riley/compatz/internal/service"
	"github.com/spf13/cobra"
)

// cartDocument is the input of "compatctl check"; lines carry their
// declarations inline.
type cartDocument struct {
	Lines []service.CheckLine `json:"lines"`
}

type checkOutput struct {
	Conflicts  []core.Conflict   `json:"conflicts"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var (
		jsonOutput     bool
		showAttributes bool
		server         serverFlags
		cartID         string
		apply          bool
	)

	cmd := &cobra.Command{
		Use:   "check [file|-]",
		Short: "Evaluate a cart document for incompatible lines",
		Long: `Reads a cart JSON document ({"lines":[{"id","quantity","sku","variant_id",
"title","declaration"}]}) from a file or stdin and reports the conflicts the
checkout warning would show. Conflicts do not change the exit status.

With --server the cart is checked by a running compatz server instead, so
declarations stored for the shop apply and --apply may persist attributes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}

			lines, err := readCart(cmd.InOrStdin(), source)
			if err != nil {
				return err
			}

			var (
				conflicts []core.Conflict
				attrs     map[string]string
			)
			if server.url != "" {
				c, err := server.client()
				if err != nil {
					return err
				}
				result, err := c.CheckCart(cmd.Context(), cartID, lines, apply)
				if err != nil {
					return err
				}
				conflicts = result.Conflicts
				if showAttributes {
					attrs = result.Attributes
				}
			} else {
				conflicts = core.Evaluate(toCartLines(lines))
				if showAttributes {
					attrs = core.AttributesFor(conflicts).Map()
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(checkOutput{Conflicts: conflicts, Attributes: attrs})
			}

			printConflicts(out, conflicts)
			if showAttributes {
				printAttributes(out, attrs)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&showAttributes, "attributes", false, "Show the order attributes that would be written")
	server.register(cmd, "")
	cmd.Flags().StringVar(&cartID, "cart-id", "compatctl", "Cart id sent with --server")
	cmd.Flags().BoolVar(&apply, "apply", false, "Let the server persist order attributes (with --server)")

	return cmd
}

func readCart(stdin io.Reader, source string) ([]service.CheckLine, error) {
	var r io.Reader = stdin
	if source != "-" {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open cart: %w", err)
		}
		defer f.Close()
		r = f
	}

	var doc cartDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}

	for i, line := range doc.Lines {
		if len(line.Declaration) > 0 && !core.ValidDeclarationJSON(line.Declaration) {
			return nil, fmt.Errorf("lines[%d].declaration must be null, a boolean or a string", i)
		}
	}

	return doc.Lines, nil
}

func toCartLines(lines []service.CheckLine) []core.CartLine {
	out := make([]core.CartLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, core.CartLine{
			ID:        line.ID,
			Quantity:  line.Quantity,
			SKU:       line.SKU,
			VariantID: line.VariantID,
			Title:     line.Title,
			Exclusion: core.ParseDeclarationJSON(line.Declaration),
		})
	}
	return out
}

func printConflicts(w io.Writer, conflicts []core.Conflict) {
	if len(conflicts) == 0 {
		okColor.Fprintln(w, "No incompatible products in this cart.")
		return
	}

	for _, conflict := range conflicts {
		partners := make([]string, 0, len(conflict.ConflictsWith))
		for _, line := range conflict.ConflictsWith {
			partners = append(partners, describeLine(line))
		}
		warningColor.Fprint(w, "warning: ")
		if len(partners) == 0 {
			fmt.Fprintf(w, "%s cannot be purchased with other products\n", describeLine(conflict.Subject))
			continue
		}
		fmt.Fprintf(w, "%s cannot be purchased with %s\n", describeLine(conflict.Subject), strings.Join(partners, ", "))
	}
}

func printAttributes(w io.Writer, attrs map[string]string) {
	if len(attrs) == 0 {
		fmt.Fprintln(w, "No order attributes would be written.")
		return
	}

	for _, key := range []string{core.AttributeWarningShown, core.AttributeIncompatibleSKUs} {
		value, ok := attrs[key]
		if !ok {
			continue
		}
		labelColor.Fprintf(w, "%s", key)
		fmt.Fprintf(w, "=%s\n", value)
	}
}

func describeLine(line core.CartLine) string {
	name := strings.TrimSpace(line.Title)
	if name == "" {
		name = line.ID
	}
	if key := line.MatchKey(); key != "" {
		return fmt.Sprintf("%s [%s]", name, key)
	}
	return name
}
