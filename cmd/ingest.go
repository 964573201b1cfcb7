package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsefeed/grouper/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <signatures.json>",
	Short: "Enqueue extracted article signatures",
	Long:  "Reads a JSON array of article signatures (or JSON Lines, one signature per line) and enqueues them for the next grouping pass. Use - to read from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader
		if args[0] == "-" {
			r = os.Stdin
		} else {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrapf(err, "open %s", args[0])
			}
			defer f.Close() //nolint:errcheck
			r = f
		}

		sigs, err := decodeSignatures(r)
		if err != nil {
			return err
		}
		if len(sigs) == 0 {
			fmt.Println("No signatures found in input.")
			return nil
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inserted, err := st.EnqueueSignatures(cmd.Context(), sigs)
		if err != nil {
			return err
		}

		zap.L().Info("ingest: enqueued signatures",
			zap.Int("read", len(sigs)),
			zap.Int("inserted", inserted),
			zap.Int("duplicates", len(sigs)-inserted),
		)
		fmt.Printf("Enqueued %d of %d signatures (%d already known).\n",
			inserted, len(sigs), len(sigs)-inserted)
		return nil
	},
}

// decodeSignatures accepts either a single JSON array or JSON Lines.
func decodeSignatures(r io.Reader) ([]model.Signature, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "read input")
	}

	var sigs []model.Signature
	if delim, ok := tok.(json.Delim); ok && delim == '[' {
		for dec.More() {
			var sig model.Signature
			if err := dec.Decode(&sig); err != nil {
				return nil, eris.Wrap(err, "decode signature")
			}
			sigs = append(sigs, sig)
		}
		return sigs, nil
	}

	// JSON Lines: the first token opened an object whose brace was already
	// consumed, so finish that object by hand and stream-decode the rest.
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, eris.New("input must be a JSON array or JSON Lines of signature objects")
	}
	var first model.Signature
	if err := decodeObjectRest(dec, &first); err != nil {
		return nil, err
	}
	sigs = append(sigs, first)
	for {
		var sig model.Signature
		if err := dec.Decode(&sig); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrap(err, "decode signature")
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// decodeObjectRest finishes decoding an object whose opening brace was
// already consumed by Token.
func decodeObjectRest(dec *json.Decoder, sig *model.Signature) error {
	raw := map[string]json.RawMessage{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "decode signature")
		}
		key, ok := keyTok.(string)
		if !ok {
			return eris.New("decode signature: malformed object key")
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return eris.Wrap(err, "decode signature")
		}
		raw[key] = val
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return eris.Wrap(err, "decode signature")
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return eris.Wrap(err, "decode signature")
	}
	return eris.Wrap(json.Unmarshal(buf, sig), "decode signature")
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
