package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
	"github.com/tekkamanendless/gpmf-processor/gpmfconv"
	"github.com/tekkamanendless/gpmf-processor/hexline"
	"github.com/tekkamanendless/gpmf-processor/mp4source"
)

// sourceOptions selects where the payloads come from.
type sourceOptions struct {
	trackType    string
	trackSubtype string
	trackIndex   int
	raw          bool
}

func main() {
	debugValue := false
	traceValue := false
	options := sourceOptions{
		trackType:    mp4source.TrackTypeMetadata,
		trackSubtype: mp4source.SubtypeGPMF,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var rootCommand = &cobra.Command{
		Use:   "gpmf",
		Short: "GPMF telemetry processor",
		Long: `
This tool reads GPMF telemetry (accelerometer, gyroscope, GPS, and so on) from the metadata track of an MP4 file.
`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logrus.InfoLevel
			if debugValue {
				level = logrus.DebugLevel
			}
			if traceValue {
				level = logrus.TraceLevel
			}
			gpmf.SetLogLevel(level)
			gpmfconv.SetLogLevel(level)
			mp4source.SetLogLevel(level)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(1)
		},
	}
	rootCommand.PersistentFlags().BoolVar(&debugValue, "debug", false, "Enable debug output")
	rootCommand.PersistentFlags().BoolVar(&traceValue, "trace", false, "Enable trace output (including hex dumps of bad payloads)")
	rootCommand.PersistentFlags().StringVar(&options.trackType, "track-type", options.trackType, "The handler type of the track to read")
	rootCommand.PersistentFlags().StringVar(&options.trackSubtype, "track-subtype", options.trackSubtype, "The sample format of the track to read; empty for any")
	rootCommand.PersistentFlags().IntVar(&options.trackIndex, "track-index", 0, "Which of the matching tracks to read, counting from 0")
	rootCommand.PersistentFlags().BoolVar(&options.raw, "raw", false, "Treat the input as a single raw GPMF payload instead of an MP4 file")

	{
		var infoCommand = &cobra.Command{
			Use:   "info <filename> [...]",
			Short: "Show the information from the given file(s)",
			Args:  cobra.MinimumNArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				for _, filename := range args {
					fmt.Printf("File: %s\n", filename)
					err := printInfo(filename, options)
					if err != nil {
						fmt.Printf("Error: %v\n", err)
						continue
					}
				}
			},
		}
		rootCommand.AddCommand(infoCommand)
	}

	{
		var tagsCommand = &cobra.Command{
			Use:   "tags <filename> [payload-index]",
			Short: "List the keys in a payload",
			Long: `
This lists the top-level keys of a payload (the first one by default), followed by every key found anywhere in it.
`,
			Args: cobra.RangeArgs(1, 2),
			Run: func(cmd *cobra.Command, args []string) {
				source, err := openSource(args[0], options)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
				defer source.Close()

				index := parseIndex(args, 1)
				tags, err := gpmf.ListPayloadTags(source, index)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Top-level keys: (%d)\n", len(tags))
				for _, tag := range tags {
					fmt.Printf("   * %s\n", tag)
				}

				payload, err := gpmf.Acquire(source, index)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
				defer payload.Release()

				counts := map[gpmf.FourCC]int{}
				var order []gpmf.FourCC
				err = gpmf.Walk(payload.Bytes, func(c *gpmf.Cursor) error {
					if counts[c.Key()] == 0 {
						order = append(order, c.Key())
					}
					counts[c.Key()]++
					return nil
				})
				fmt.Printf("All keys: (%d)\n", len(order))
				for _, key := range order {
					fmt.Printf("   * %s (%d)\n", key, counts[key])
				}
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
			},
		}
		rootCommand.AddCommand(tagsCommand)
	}

	{
		spewValue := false
		hexValue := false
		byteLimit := 256
		var dumpCommand = &cobra.Command{
			Use:   "dump <filename> [payload-index]",
			Short: "Show every record in a payload",
			Long: `
The output here isn't particularly pretty, but it shows the structure of the payload and the first sample of every record.

For a more aggressive output, use the --spew or --hex flags.
`,
			Args: cobra.RangeArgs(1, 2),
			Run: func(cmd *cobra.Command, args []string) {
				source, err := openSource(args[0], options)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
				defer source.Close()

				payload, err := gpmf.Acquire(source, parseIndex(args, 1))
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
				defer payload.Release()

				fmt.Printf("Payload %d: %d bytes, [%f, %f)\n", payload.Index, len(payload.Bytes), payload.InTime, payload.OutTime)
				if hexValue {
					limit := len(payload.Bytes)
					if byteLimit > 0 && byteLimit < limit {
						limit = byteLimit
					}
					hexline.Print(payload.Bytes[:limit], 0, 32)
				}

				var records []record
				err = gpmf.Walk(payload.Bytes, func(c *gpmf.Cursor) error {
					r := describeRecord(c)
					records = append(records, r)
					fmt.Printf("%s%s\n", strings.Repeat("   ", c.Depth()), r)
					return nil
				})
				if spewValue {
					spew.Dump(records)
				}
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
			},
		}
		dumpCommand.Flags().BoolVar(&spewValue, "spew", false, "Dump out every record structure")
		dumpCommand.Flags().BoolVar(&hexValue, "hex", false, "Print the raw payload bytes")
		dumpCommand.Flags().IntVar(&byteLimit, "byte-limit", byteLimit, "The number of bytes to print with --hex; use 0 for no limit")
		rootCommand.AddCommand(dumpCommand)
	}

	{
		var rateCommand = &cobra.Command{
			Use:   "rate <filename> <tag>",
			Short: "Estimate the sample rate of a stream",
			Args:  cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				source, key := openSourceAndTag(args, options)
				defer source.Close()

				estimate, err := gpmf.EstimateRate(ctx, source, key)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Rate: %f Hz\n", estimate.Rate)
				fmt.Printf("Start: %f\n", estimate.Start)
				fmt.Printf("End: %f\n", estimate.End)
				fmt.Printf("Samples: %d\n", estimate.Samples)
				fmt.Printf("Payloads: %d\n", estimate.Payloads)
			},
		}
		rootCommand.AddCommand(rateCommand)
	}

	{
		format := "csv"
		output := ""
		extractOptions := gpmf.ExtractOptions{}
		var extractCommand = &cobra.Command{
			Use:   "extract <filename> <tag>",
			Short: "Export every sample of a stream",
			Long: `
This decodes every sample of a stream across the whole file.
CSV output goes to standard output unless --output is given; WAV output needs --output.
`,
			Args: cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				source, key := openSourceAndTag(args, options)
				defer source.Close()

				table, err := gpmf.ExtractTag(ctx, source, key, extractOptions)
				if err != nil {
					// Payload errors are reported, but the samples that were decoded are still exported.
					for _, payloadErr := range table.Errors {
						fmt.Fprintf(os.Stderr, "Warning: %v\n", payloadErr)
					}
					if errors.Is(err, context.Canceled) {
						fmt.Fprintf(os.Stderr, "Error: %v\n", err)
						os.Exit(1)
					}
				}
				fmt.Fprintf(os.Stderr, "Exporting %d samples from %s...\n", len(table.Samples), key)

				switch format {
				case "csv":
					out := os.Stdout
					if output != "" {
						out, err = os.Create(output)
						if err != nil {
							fmt.Fprintf(os.Stderr, "Couldn't create output file: %v\n", err)
							os.Exit(1)
						}
						defer out.Close()
					}
					err = gpmfconv.WriteCSV(out, table)
				case "wav":
					if output == "" {
						fmt.Fprintf(os.Stderr, "WAV output needs --output.\n")
						os.Exit(1)
					}
					var estimate gpmf.RateEstimate
					estimate, err = gpmf.EstimateRate(ctx, source, key)
					if err != nil {
						break
					}
					out, createErr := os.Create(output)
					if createErr != nil {
						fmt.Fprintf(os.Stderr, "Couldn't create output file: %v\n", createErr)
						os.Exit(1)
					}
					defer out.Close()
					err = gpmfconv.WriteWAV(out, table, int(math.Round(estimate.Rate)))
				default:
					fmt.Fprintf(os.Stderr, "Invalid format: %s\n", format)
					os.Exit(1)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			},
		}
		extractCommand.Flags().StringVar(&format, "format", format, "The output file format (can be one of: csv, wav)")
		extractCommand.Flags().StringVar(&output, "output", output, "The output file")
		extractCommand.Flags().BoolVar(&extractOptions.Interpolate, "interpolate", false, "Spread the samples of each payload across its time window")
		extractCommand.Flags().BoolVar(&extractOptions.AllMatches, "all-matches", false, "Use every matching record in a payload, not just the first")
		rootCommand.AddCommand(extractCommand)
	}

	{
		allMatches := false
		var statsCommand = &cobra.Command{
			Use:   "stats <filename> <tag>",
			Short: "Show statistics for every element of a stream",
			Args:  cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				source, key := openSourceAndTag(args, options)
				defer source.Close()

				table, err := gpmf.ExtractTag(ctx, source, key, gpmf.ExtractOptions{AllMatches: allMatches})
				if err != nil {
					fmt.Printf("Warning: %v\n", err)
				}
				summaries, err := gpmfconv.Summarize(table)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					os.Exit(1)
				}

				fmt.Printf("Stream: %s", key)
				if table.Name != "" {
					fmt.Printf(" (%s)", table.Name)
				}
				fmt.Printf("\n")
				fmt.Printf("Samples: %d\n", len(table.Samples))
				columns := gpmfconv.ColumnNames(table)
				for _, summary := range summaries {
					fmt.Printf("   %s: count=%d invalid=%d min=%g max=%g mean=%g median=%g stddev=%g\n",
						columns[summary.Element+1], summary.Count, summary.Invalid,
						summary.Min, summary.Max, summary.Mean, summary.Median, summary.StandardDeviation)
				}
			},
		}
		statsCommand.Flags().BoolVar(&allMatches, "all-matches", false, "Use every matching record in a payload, not just the first")
		rootCommand.AddCommand(statsCommand)
	}

	err := rootCommand.Execute()
	if err != nil {
		panic(err)
	}
	os.Exit(0)
}

// openSource opens the given file according to the options.
func openSource(filename string, options sourceOptions) (gpmf.ContainerReader, error) {
	if options.raw {
		contents, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		return &gpmf.MemorySource{
			Payloads: []gpmf.MemoryPayload{
				{Data: contents, InTime: 0, OutTime: 1},
			},
		}, nil
	}
	return mp4source.Open(filename, options.trackType, options.trackSubtype, options.trackIndex)
}

// openSourceAndTag handles the common "<filename> <tag>" arguments; it exits on failure.
func openSourceAndTag(args []string, options sourceOptions) (gpmf.ContainerReader, gpmf.FourCC) {
	key, err := gpmf.ParseFourCC(args[1])
	if err != nil {
		fmt.Printf("Invalid tag %q: %v\n", args[1], err)
		os.Exit(1)
	}
	source, err := openSource(args[0], options)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return source, key
}

// parseIndex parses an optional payload index argument; it exits on failure.
func parseIndex(args []string, position int) uint32 {
	if len(args) <= position {
		return 0
	}
	value, err := strconv.ParseUint(args[position], 10, 32)
	if err != nil {
		fmt.Printf("Invalid payload index %q: %v\n", args[position], err)
		os.Exit(1)
	}
	return uint32(value)
}

func printInfo(filename string, options sourceOptions) error {
	reader, err := openSource(filename, options)
	if err != nil {
		return err
	}
	defer reader.Close()

	count := reader.PayloadCount()
	fmt.Printf("Payloads: %d\n", count)
	if count > 0 {
		start, _, err := reader.PayloadTime(0)
		if err != nil {
			return err
		}
		_, end, err := reader.PayloadTime(count - 1)
		if err != nil {
			return err
		}
		fmt.Printf("Time: [%f, %f)\n", start, end)
	}

	frames, numerator, denominator := reader.VideoFrameRateAndCount()
	if denominator != 0 {
		fmt.Printf("Video: %d frames at %d/%d (%f fps)\n", frames, numerator, denominator, float64(numerator)/float64(denominator))
	}

	source, ok := reader.(*mp4source.Source)
	if !ok {
		return nil
	}
	handler, format, number := source.Track()
	fmt.Printf("Track: %d (%s/%s)\n", number, handler, format)
	if info, err := source.VideoInfo(); err == nil {
		fmt.Printf("Video format: %s, %dx%d, profile_idc %d, %f seconds\n", info.Format, info.Width, info.Height, info.ProfileIdc, info.Duration)
	}
	if firmware := source.FirmwareString(); firmware != "" {
		fmt.Printf("Firmware: %s", firmware)
		if v, err := source.Firmware(); err == nil {
			fmt.Printf(" (version %s)", v)
		}
		fmt.Printf("\n")
	}
	return nil
}
