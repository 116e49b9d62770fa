package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe [url]",
	Short: "Ask what a URL costs without paying",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

func runProbe(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	quote, err := client.Probe(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")

	if quote == nil {
		if asJSON {
			fmt.Println(`{"paid":false}`)
		} else {
			fmt.Printf("%s does not require payment\n", args[0])
		}
		return nil
	}

	if asJSON {
		out, err := json.Marshal(map[string]interface{}{
			"paid":      true,
			"amount":    quote.WouldSpend.String(),
			"currency":  quote.Currency,
			"recipient": quote.Recipient,
			"resource":  quote.Resource,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Resource:  %s\n", quote.Resource)
	fmt.Printf("Cost:      %s %s\n", quote.WouldSpend, quote.Currency)
	fmt.Printf("Recipient: %s\n", quote.Recipient)
	return nil
}
