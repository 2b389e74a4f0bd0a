package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cnnfpga/coeverify/coe"
	"github.com/cnnfpga/coeverify/compare"
	"github.com/cnnfpga/coeverify/envconfig"
	"github.com/cnnfpga/coeverify/fixedpoint"
	"github.com/cnnfpga/coeverify/logutil"
	"github.com/cnnfpga/coeverify/nn"
	"github.com/cnnfpga/coeverify/refdata"
	"github.com/cnnfpga/coeverify/trace"
	"github.com/cnnfpga/coeverify/version"
)

func format(cmd *cobra.Command) (fixedpoint.Format, error) {
	s, _ := cmd.Flags().GetString("format")
	return fixedpoint.ParseFormat(s)
}

// loadParams quantizes every <layer>.weight and <layer>.bias tensor in the
// archive. Dense weights exported in (out, in) order are transposed to the
// (in, out) order the packer and engine consume.
func loadParams(path string, net nn.Network, f fixedpoint.Format) (nn.Params, error) {
	params := nn.Params{
		Weights: make(map[string]*fixedpoint.Tensor),
		Biases:  make(map[string]*fixedpoint.Tensor),
	}

	fsys := os.DirFS(filepath.Dir(path))
	entries, err := refdata.Open(fsys, filepath.Base(path))
	if err != nil {
		return params, err
	}

	for _, layer := range net {
		if layer.Kind == nn.MaxPool {
			continue
		}

		entry, err := refdata.Lookup(entries, layer.Name+".weight")
		if err != nil {
			return params, err
		}
		values, err := entry.Floats()
		if err != nil {
			return params, err
		}
		shape := entry.IntShape()

		if layer.Kind == nn.Dense && len(shape) == 2 && shape[0] == layer.OutFeatures && shape[1] == layer.InFeatures {
			values, err = coe.TransposeDense(values, layer.OutFeatures, layer.InFeatures)
			if err != nil {
				return params, err
			}
			shape = []int{layer.InFeatures, layer.OutFeatures}
		}

		w, saturated, err := fixedpoint.QuantizeTensor(values, shape, f)
		if err != nil {
			return params, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
		if saturated > 0 {
			slog.Warn("weights saturated during quantization", "layer", layer.Name, "count", saturated)
		}
		params.Weights[layer.Name] = w

		entry, err = refdata.Lookup(entries, layer.Name+".bias")
		if err != nil {
			continue
		}
		values, err = entry.Floats()
		if err != nil {
			return params, err
		}
		b, saturated, err := fixedpoint.QuantizeTensor(values, entry.IntShape(), f)
		if err != nil {
			return params, fmt.Errorf("layer %s bias: %w", layer.Name, err)
		}
		if saturated > 0 {
			slog.Warn("biases saturated during quantization", "layer", layer.Name, "count", saturated)
		}
		params.Biases[layer.Name] = b
	}

	return params, nil
}

func loadInput(path, name string, f fixedpoint.Format) (*fixedpoint.Tensor, error) {
	fsys := os.DirFS(filepath.Dir(path))
	entries, err := refdata.Open(fsys, filepath.Base(path))
	if err != nil {
		return nil, err
	}

	entry, err := refdata.Lookup(entries, name)
	if err != nil {
		return nil, err
	}
	values, err := entry.Floats()
	if err != nil {
		return nil, err
	}

	input, saturated, err := fixedpoint.QuantizeTensor(values, entry.IntShape(), f)
	if err != nil {
		return nil, err
	}
	if saturated > 0 {
		slog.Warn("input saturated during quantization", "name", name, "count", saturated)
	}
	return input, nil
}

func writeImage(img *coe.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := img.WriteTo(f); err != nil {
		return err
	}
	slog.Info("wrote memory image", "path", path, "addresses", img.AddressCount(), "bits", img.BitsPerWord)
	return nil
}

// printActivations writes a layer activation in the simulator's own block
// format so the output diffs directly against a hardware trace.
func printActivations(cmd *cobra.Command, tag string, act *fixedpoint.Tensor) {
	if len(act.Shape) == 3 {
		h, w, c := act.Shape[0], act.Shape[1], act.Shape[2]
		for r := 0; r < h; r++ {
			for col := 0; col < w; col++ {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: [%d,%d]\n", tag, r, col)
				for ch := 0; ch < c; ch++ {
					fmt.Fprintf(cmd.OutOrStdout(), "  Filter_%d: %d\n", ch, act.At(r, col, ch))
				}
			}
		}
		return
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", tag)
	for n, v := range act.Values {
		fmt.Fprintf(cmd.OutOrStdout(), "  Neuron_%d: %d\n", n, v)
	}
}

func reportResults(cmd *cobra.Command, results []*compare.Result) error {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Layer", "Tag", "Compared", "Missing", "Mean Err", "Max Err", "Grade"})

	worst := compare.Match
	for _, res := range results {
		table.Append([]string{
			res.Layer,
			res.Tag,
			fmt.Sprintf("%d", res.Compared),
			fmt.Sprintf("%d", res.Missing),
			fmt.Sprintf("%.6f", res.MeanError),
			fmt.Sprintf("%.6f", res.MaxError),
			res.Grade.String(),
		})
		if res.Grade > worst {
			worst = res.Grade
		}
	}
	table.Render()

	for _, res := range results {
		if len(res.AlwaysZero) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: units always zero %v (check word packing and address order)\n", res.Layer, res.AlwaysZero)
		}
	}

	if worst == compare.Mismatch {
		return fmt.Errorf("comparison failed: at least one layer graded %s", compare.Mismatch)
	}
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "coeverify",
		Short:   "Fixed-point CNN memory image packing and hardware output verification",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			logutil.InitLogging()
		},
	}

	rootCmd.PersistentFlags().String("format", envconfig.Format, "Fixed-point format, e.g. Q1.6")

	cobra.EnableCommandSorting = false

	packCmd := &cobra.Command{
		Use:   "pack ARCHIVE",
		Args:  cobra.ExactArgs(1),
		Short: "Pack reference weights into COE memory images",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := format(cmd)
			if err != nil {
				return err
			}
			outDir, _ := cmd.Flags().GetString("out")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			net := nn.QuickDrawNet()
			params, err := loadParams(args[0], net, f)
			if err != nil {
				return err
			}

			for _, layer := range net {
				if layer.Kind == nn.MaxPool {
					continue
				}

				img, err := coe.Pack(params.Weights[layer.Name], layer)
				if err != nil {
					return err
				}
				if err := writeImage(img, filepath.Join(outDir, layer.Name+"_weights.coe")); err != nil {
					return err
				}

				bias := params.Biases[layer.Name]
				if bias == nil {
					continue
				}
				bimg, err := coe.PackBias(bias, layer)
				if err != nil {
					return err
				}
				if err := writeImage(bimg, filepath.Join(outDir, layer.Name+"_biases.coe")); err != nil {
					return err
				}
			}
			return nil
		},
	}
	packCmd.Flags().StringP("out", "o", ".", "Directory for the generated .coe files")

	unpackCmd := &cobra.Command{
		Use:   "unpack IMAGE LAYER",
		Args:  cobra.ExactArgs(2),
		Short: "Decode a COE memory image back to per-unit weight columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := format(cmd)
			if err != nil {
				return err
			}

			net := nn.QuickDrawNet()
			layer, ok := net.Layer(args[1])
			if !ok {
				return fmt.Errorf("unknown layer %q", args[1])
			}

			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			img, err := coe.Parse(file)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Unit", "Address", "Raw", "Value"})
			for unit := 0; unit < layer.FanOut(); unit++ {
				col, err := coe.WeightColumn(img, layer, unit, f)
				if err != nil {
					return err
				}
				for addr, raw := range col.Values {
					table.Append([]string{
						fmt.Sprintf("%d", unit),
						fmt.Sprintf("%d", addr),
						fmt.Sprintf("%d", raw),
						fmt.Sprintf("%.6f", fixedpoint.Dequantize(raw, f)),
					})
				}
			}
			table.Render()
			return nil
		},
	}

	expectedCmd := &cobra.Command{
		Use:   "expected ARCHIVE",
		Args:  cobra.ExactArgs(1),
		Short: "Print the integer reference activations for every layer",
		Long:  "Print the integer reference activations for every layer, in the simulator's trace block format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := format(cmd)
			if err != nil {
				return err
			}
			inputName, _ := cmd.Flags().GetString("input")

			net := nn.QuickDrawNet()
			params, err := loadParams(args[0], net, f)
			if err != nil {
				return err
			}
			input, err := loadInput(args[0], inputName, f)
			if err != nil {
				return err
			}

			engine := &nn.Engine{Format: f, Workers: envconfig.NumParallel}
			acts, err := engine.Forward(net, input, params)
			if err != nil {
				return err
			}

			tags := compare.DefaultTags()
			for _, layer := range net {
				printActivations(cmd, tags[layer.Name], acts[layer.Name])
			}
			return nil
		},
	}
	expectedCmd.Flags().String("input", "input", "Name of the input tensor in the archive")

	compareCmd := &cobra.Command{
		Use:   "compare ARCHIVE TRACE",
		Args:  cobra.ExactArgs(2),
		Short: "Compare a simulator trace against the integer reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := format(cmd)
			if err != nil {
				return err
			}
			inputName, _ := cmd.Flags().GetString("input")
			bits, _ := cmd.Flags().GetUint("bits")

			net := nn.QuickDrawNet()
			params, err := loadParams(args[0], net, f)
			if err != nil {
				return err
			}
			input, err := loadInput(args[0], inputName, f)
			if err != nil {
				return err
			}

			engine := &nn.Engine{Format: f, Workers: envconfig.NumParallel}
			acts, err := engine.Forward(net, input, params)
			if err != nil {
				return err
			}

			file, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer file.Close()

			events, err := trace.Parse(file, bits)
			if err != nil {
				return err
			}
			slog.Debug("parsed trace", "path", args[1], "events", len(events))

			comparator := &compare.Comparator{Format: f}
			var results []*compare.Result
			for _, layer := range net {
				act := acts[layer.Name]

				var res *compare.Result
				if len(act.Shape) == 3 {
					res, err = comparator.Spatial(layer.Name, act, events, false)
				} else {
					res, err = comparator.Flat(layer.Name, act, events, false)
				}
				if err != nil {
					return err
				}
				results = append(results, res)
			}

			return reportResults(cmd, results)
		},
	}
	compareCmd.Flags().String("input", "input", "Name of the input tensor in the archive")
	compareCmd.Flags().Uint("bits", envconfig.TraceBits, "Bit width of trace values")

	convertCmd := &cobra.Command{
		Use:   "convert IN OUT",
		Args:  cobra.ExactArgs(2),
		Short: "Reverse the byte order of every word in a COE image",
		Long:  "Reverse the byte order of every word in a COE image. Repairs images generated LSB-first for hardware that reads MSB-first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			img, err := coe.Parse(file)
			if err != nil {
				return err
			}

			return writeImage(coe.ReverseWords(img), args[1])
		},
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			for k, v := range envconfig.Values() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		packCmd,
		unpackCmd,
		expectedCmd,
		compareCmd,
		convertCmd,
		envCmd,
	)

	return rootCmd
}
