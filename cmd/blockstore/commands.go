package main

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
	"github.com/ocelotpotpie/BlockStore/internal/store"
)

var valueType string

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "List registered metadata keys with their ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store, _ zerolog.Logger) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for id, name := range s.Names().Names() {
				fmt.Fprintf(w, "%d\t%s\n", id, name)
			}
			return w.Flush()
		})
	},
}

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "List persisted chunks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store, _ zerolog.Logger) error {
			locs, err := s.PersistedChunks()
			if err != nil {
				return err
			}
			for _, loc := range locs {
				fmt.Fprintln(cmd.OutOrStdout(), loc)
			}
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get X Y Z [KEY]",
	Short: "Print metadata at a block position",
	Long:  "Print the value of KEY at the block, or every key at the block when KEY is omitted.",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := parsePos(args[:3])
		if err != nil {
			return err
		}
		return withStore(cmd, func(s *store.Store, _ zerolog.Logger) error {
			out := cmd.OutOrStdout()
			if len(args) == 4 {
				v, ok, err := s.Get(pos, args[3])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: not set at %v", args[3], args[:3])
				}
				fmt.Fprintf(out, "%s\t%s\n", v.Kind(), v)
				return nil
			}
			md, err := s.Metadata(pos)
			if err != nil {
				return err
			}
			printMetadata(cmd, md)
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set X Y Z KEY VALUE",
	Short: "Set a metadata value at a block position",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := parsePos(args[:3])
		if err != nil {
			return err
		}
		kind, ok := store.ParseKind(valueType)
		if !ok || kind == store.KindNone {
			return fmt.Errorf("unknown value type %q", valueType)
		}
		v, err := store.ParseValue(kind, args[4])
		if err != nil {
			return fmt.Errorf("parse %s value: %w", kind, err)
		}
		return withStore(cmd, func(s *store.Store, logger zerolog.Logger) error {
			if err := s.Set(pos, args[3], v); err != nil {
				return err
			}
			logger.Debug().Str("key", args[3]).Stringer("value", v).Msg("set")
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm X Y Z [KEY]",
	Short: "Remove a key, or every key, at a block position",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := parsePos(args[:3])
		if err != nil {
			return err
		}
		return withStore(cmd, func(s *store.Store, _ zerolog.Logger) error {
			if len(args) == 4 {
				return s.Remove(pos, args[3])
			}
			return s.Clear(pos)
		})
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump CX CY CZ",
	Short: "Print every value stored in a chunk",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c [3]int32
		for i, a := range args {
			n, err := strconv.ParseInt(a, 10, 32)
			if err != nil {
				return fmt.Errorf("chunk coordinate %q: %w", a, err)
			}
			c[i] = int32(n)
		}
		loc := chunkloc.Loc{X: c[0], Y: c[1], Z: c[2]}
		return withStore(cmd, func(s *store.Store, _ zerolog.Logger) error {
			md, err := s.ChunkMetadata(loc)
			if err != nil {
				return err
			}
			offs := make([]chunkloc.Offset, 0, len(md))
			for off := range md {
				offs = append(offs, off)
			}
			sort.Slice(offs, func(i, j int) bool { return offs[i].Index() < offs[j].Index() })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "X\tY\tZ\tKEY\tTYPE\tVALUE")
			for _, off := range offs {
				x, y, z := loc.Block(off)
				for _, key := range sortedKeys(md[off]) {
					v := md[off][key]
					fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n", x, y, z, key, v.Kind(), v)
				}
			}
			return w.Flush()
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store, _ zerolog.Logger) error {
			locs, err := s.PersistedChunks()
			if err != nil {
				return err
			}
			st := s.Stats()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "names\t%d\n", st.Names)
			fmt.Fprintf(w, "persisted chunks\t%d\n", len(locs))
			fmt.Fprintf(w, "max height\t%d\n", s.MaxHeight())
			return w.Flush()
		})
	},
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Re-encode every persisted chunk with the configured compression",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store, logger zerolog.Logger) error {
			n, corrupt, err := s.Rewrite()
			logger.Info().Int("rewritten", n).Int("corrupt", corrupt).Msg("rewrite finished")
			return err
		})
	},
}

func init() {
	setCmd.Flags().StringVarP(&valueType, "type", "t", store.KindString.String(),
		"value type: bool, int, float, string or bytes (hex)")
}

func parsePos(args []string) (chunkloc.Pos, error) {
	var v [3]float64
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return chunkloc.Pos{}, fmt.Errorf("coordinate %q: %w", a, err)
		}
		v[i] = f
	}
	return chunkloc.Pos{X: v[0], Y: v[1], Z: v[2]}, nil
}

func sortedKeys(m map[string]store.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printMetadata(cmd *cobra.Command, md map[string]store.Value) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, k := range sortedKeys(md) {
		fmt.Fprintf(w, "%s\t%s\t%s\n", k, md[k].Kind(), md[k])
	}
	w.Flush()
}
