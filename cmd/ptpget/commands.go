package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
	"github.com/ardnew/ptpusb/ptp"
)

const defaultConfigFile = "ptpget.toml"

// app carries the resolved configuration between the root command and its
// subcommands.
type app struct {
	cfg     appConfig
	logFile io.Closer

	configPath string
	backend    string
	device     string
	logLevel   string
	logPath    string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ptpget",
		Short:         "Download photos from a PTP camera over USB",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ./"+defaultConfigFile+" if present)")
	flags.StringVarP(&a.backend, "backend", "b", "", "USB backend: "+fmt.Sprint(backendNames()))
	flags.StringVarP(&a.device, "device", "d", "", "camera path or vid:pid (default first camera)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logPath, "log-file", "", "also write JSON logs to this rotating file")
	flags.BoolVar(&a.logJSON, "log-json", false, "log JSON to the console")

	root.AddCommand(
		a.listCmd(),
		a.downloadCmd(),
		a.statusCmd(),
		a.resetCmd(),
	)
	return root
}

// load resolves the configuration: defaults, then the config file, then
// flags, then environment overrides for logging.
func (a *app) load(cmd *cobra.Command) error {
	cfg := defaultAppConfig()

	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		loaded, err := loadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = a.backend
	}
	if flags.Changed("device") {
		cfg.Device = a.device
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = a.logPath
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = a.logJSON
	}
	applyEnvOverrides(&cfg.Log)

	closer, err := configureLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logFile = cfg, closer
	return nil
}

func (a *app) listCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attached cameras",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			descs, err := findCameras(cmd.Context(), b, all)
			if err != nil {
				return err
			}
			if len(descs) == 0 {
				pterm.Warning.Println("No camera connected")
				return nil
			}
			return pterm.DefaultTable.
				WithHasHeader().
				WithWriter(cmd.OutOrStdout()).
				WithData(deviceRows(descs)).
				Render()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include devices without a PTP interface")
	return cmd
}

func deviceRows(descs []hal.Descriptor) pterm.TableData {
	rows := pterm.TableData{{"Path", "ID", "Product", "Manufacturer", "Serial", "Speed", "PTP"}}
	for _, d := range descs {
		rows = append(rows, []string{
			d.Path,
			fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID),
			d.Product,
			d.Manufacturer,
			d.SerialNumber,
			d.Speed.String(),
			strconv.FormatBool(d.IsStillImage()),
		})
	}
	return rows
}

func (a *app) downloadCmd() *cobra.Command {
	var (
		out     string
		objects int
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download every photo on the camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("out") {
				cfg.OutputDir = out
			}
			if cmd.Flags().Changed("sim-objects") {
				cfg.SimObjects = objects
			}
			if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
				return err
			}

			obs := &terminalObserver{}
			s, err := connect(cmd.Context(), cfg, obs)
			if err != nil {
				return describe(err)
			}
			defer s.backend.Close()

			sinks := fileSinks{dir: cfg.OutputDir}
			report, err := ptp.DownloadAll(cmd.Context(), s.conn, sinks, obs)
			printReport(report)
			if discardErr := sinks.discard(report.Failed()); discardErr != nil {
				pkg.LogWarn(pkg.ComponentSession, "partial file left behind", "error", discardErr)
			}
			if err != nil {
				return describe(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "directory to save photos in")
	cmd.Flags().IntVar(&objects, "sim-objects", 3, "photos on the simulated camera")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the camera's still-image device status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := connect(cmd.Context(), a.cfg, ptp.NopObserver{})
			if err != nil {
				return describe(err)
			}
			defer s.Close()

			st, err := s.conn.Status(cmd.Context())
			if err != nil {
				return describe(err)
			}
			desc := s.conn.Descriptor()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", desc, st.Code)
			for _, p := range st.Params {
				fmt.Fprintf(cmd.OutOrStdout(), "  halted endpoint 0x%02x\n", p)
			}
			return nil
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Send the still-image Device Reset request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := connect(cmd.Context(), a.cfg, ptp.NopObserver{})
			if err != nil {
				return describe(err)
			}
			defer s.Close()

			if err := s.conn.Reset(cmd.Context()); err != nil {
				return describe(err)
			}
			pterm.Success.Println("Camera reset")
			return nil
		},
	}
}

// describe replaces err's message with the user-facing description while
// keeping it matchable with errors.Is.
func describe(err error) error {
	if errors.Is(err, errNoCamera) {
		return &describedError{msg: "No camera connected", err: err}
	}
	return &describedError{msg: pkg.Describe(err), err: err}
}

type describedError struct {
	msg string
	err error
}

func (e *describedError) Error() string { return e.msg }
func (e *describedError) Unwrap() error { return e.err }
