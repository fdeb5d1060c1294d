package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/wota/internal/client"
	"github.com/bigbag/wota/internal/detect"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/logging"
	"github.com/bigbag/wota/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultLoadAddress = 0x10004000

var (
	deviceFlag     string
	baudFlag       int
	timeoutFlag    time.Duration
	addrFlag       string
	verifyFlag     bool
	runFlag        bool
	bootloaderFlag bool
	outputFlag     string
	mapFlag        string
	sectionFlag    string
	logLevelFlag   string
	logFileFlag    string
	verboseFlag    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wota-flash",
		Short: "Flash application images over the wota bootloader protocol",
		Long: `wota-flash talks to a device running the wota bootloader, over TCP
(default port 4242) or a serial port.

The image is erased, written and checked chunk by chunk, then sealed: the
bootloader only commits the image header once the image it describes
validates against flash.`,
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
	}
	rootCmd.PersistentFlags().StringVarP(&deviceFlag, "device", "d", "", "Device address (host[:port]) or serial port (auto-detect serial if not specified)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate for serial devices")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "Per command timeout")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Messages with this level and above will be logged: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "Path to the file where logs will be written")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Print the logs on the standard output")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <app.bin>",
		Short: "Flash and seal an application image",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "Load address (default: start of the device's write region)")
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify the whole image after flashing")
	flashCmd.Flags().BoolVar(&runFlag, "run", false, "Jump to the image when done")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Probe the given device, or every serial port, for a bootloader and show its flash layout.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	readCmd := &cobra.Command{
		Use:   "read <addr> <len>",
		Short: "Read flash contents",
		Args:  cobra.ExactArgs(2),
		RunE:  runRead,
	}
	readCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Write to file instead of a hex dump")

	verifyCmd := &cobra.Command{
		Use:   "verify <app.bin>",
		Short: "Compare an image with flash by CRC32",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "Load address (default: start of the device's write region)")

	sealCmd := &cobra.Command{
		Use:   "seal <app.bin>",
		Short: "Seal an image already in flash",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeal,
	}
	sealCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "Load address (default: start of the device's write region)")

	goCmd := &cobra.Command{
		Use:   "go [vector]",
		Short: "Jump to an image",
		Long:  "Jump to the image whose vector table is at vector (default: start of the device's write region).",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runGo,
	}

	rebootCmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot the device",
		Args:  cobra.NoArgs,
		RunE:  runReboot,
	}
	rebootCmd.Flags().BoolVar(&bootloaderFlag, "bootloader", false, "Stay in the bootloader after the reboot")

	imghdrCmd := &cobra.Command{
		Use:   "imghdr <app.bin> <header.bin>",
		Short: "Generate the image header for an application binary",
		Args:  cobra.ExactArgs(2),
		RunE:  runImghdr,
	}
	imghdrCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "Load address of the application image")
	imghdrCmd.Flags().StringVarP(&mapFlag, "map", "m", "", "Map file to scan for the application image section")
	imghdrCmd.Flags().StringVarP(&sectionFlag, "section", "s", ".app_bin", "Section name to look for in the map file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wota-flash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, infoCmd, readCmd, verifyCmd, sealCmd, goCmd, rebootCmd, imghdrCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	_, err := logging.Setup(logrus.StandardLogger(), logging.Options{
		Level:   logLevelFlag,
		File:    paths.New(logFileFlag),
		Verbose: verboseFlag,
	})
	return err
}

func parseWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(v), nil
}

// target returns the device to talk to, detecting a serial one if needed.
func target() (string, error) {
	if deviceFlag != "" {
		return deviceFlag, nil
	}
	fmt.Println("Detecting device...")
	result, err := detect.DetectDevice(baudFlag)
	if err != nil {
		return "", fmt.Errorf("device detection failed: %w", err)
	}
	fmt.Printf("Found bootloader on %s\n", result.Target)
	return result.Target, nil
}

// connect opens a connection; the caller closes it.
func connect() (*client.Client, io.Closer, error) {
	dev, err := target()
	if err != nil {
		return nil, nil, err
	}
	conn, err := client.Open(dev, baudFlag, timeoutFlag)
	if err != nil {
		return nil, nil, err
	}
	c := client.New(conn)
	c.SetTimeout(timeoutFlag)
	c.SetLogger(logrus.WithField("device", dev))
	return c, conn, nil
}

// connectSynced opens a connection and synchronises.
func connectSynced() (*client.Client, io.Closer, error) {
	c, conn, err := connect()
	if err != nil {
		return nil, nil, err
	}
	if err := c.Sync(); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to sync with bootloader: %w", err)
	}
	return c, conn, nil
}

// loadAddress resolves --addr, falling back to the device's write region.
func loadAddress(c *client.Client) (uint32, error) {
	if addrFlag != "" {
		return parseWord(addrFlag)
	}
	info, err := c.Info()
	if err != nil {
		return 0, err
	}
	return info.WriteMin, nil
}

func readImage(name string) ([]byte, error) {
	data, err := paths.New(name).ReadFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image file %s is empty", name)
	}
	return data, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	data, err := readImage(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Image: %s (%d bytes)\n", args[0], len(data))

	// Probe first for the load address; Program needs a fresh connection
	// since it starts with the sync token.
	addr, err := func() (uint32, error) {
		if addrFlag != "" {
			return parseWord(addrFlag)
		}
		c, conn, err := connectSynced()
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		return loadAddress(c)
	}()
	if err != nil {
		return err
	}

	c, conn, err := connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	var bar *progressbar.ProgressBar
	stage := ""
	c.SetProgressCallback(func(s string, current, total int) {
		if s != stage {
			if bar != nil {
				bar.Finish()
			}
			stage = s
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(fmt.Sprintf("%-22s", s)),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(s == "Erasing" || s == "Writing"),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionShowCount(),
				progressbar.OptionOnCompletion(func() { fmt.Println() }),
			)
		}
		bar.Set(current)
	})

	fmt.Printf("Flashing at 0x%08X...\n", addr)
	h, err := c.Program(client.Image{Addr: addr, Data: data})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Sealed: %s\n", h)

	if verifyFlag {
		fmt.Println("Verifying...")
		padded, err := c.ReadAll(h.Vector, h.Size)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if err := c.Verify(h.Vector, padded); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		for i := range data {
			if padded[i] != data[i] {
				return fmt.Errorf("verification failed: byte 0x%x differs", i)
			}
		}
		fmt.Println("Verified!")
	}

	if runFlag {
		fmt.Println("Starting image...")
		if err := c.Go(h.Vector); err != nil {
			return err
		}
	}

	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if deviceFlag != "" {
		result, err := detect.DetectOn(deviceFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", deviceFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for bootloaders...")
	devices, err := detect.ListDevices(baudFlag)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bootloaders found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Device:       %s\n", d.Target)
	fmt.Printf("  Write region: 0x%08X - 0x%08X (%d KiB)\n", d.Info.WriteMin, uint64(d.Info.WriteMin)+uint64(d.Info.WriteSize), d.Info.WriteSize/1024)
	fmt.Printf("  Erase unit:   %d\n", d.Info.EraseUnit)
	fmt.Printf("  Program unit: %d\n", d.Info.ProgramUnit)
	fmt.Printf("  Max data:     %d\n", d.Info.MaxDataLen)
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	n, err := parseWord(args[1])
	if err != nil {
		return err
	}

	c, conn, err := connectSynced()
	if err != nil {
		return err
	}
	defer conn.Close()

	data, err := c.ReadAll(addr, n)
	if err != nil {
		return err
	}

	if outputFlag != "" {
		if err := paths.New(outputFlag).WriteFile(data); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(data), outputFlag)
		return nil
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := readImage(args[0])
	if err != nil {
		return err
	}

	c, conn, err := connectSynced()
	if err != nil {
		return err
	}
	defer conn.Close()

	addr, err := loadAddress(c)
	if err != nil {
		return err
	}

	// The CRC command works on whole words; check the tail by reading it.
	body := len(data) &^ 3
	if body > 0 {
		if err := c.Verify(addr, data[:body]); err != nil {
			return err
		}
	}
	if tail := data[body:]; len(tail) > 0 {
		got, err := c.Read(addr+uint32(body), uint32(len(tail)))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, tail) {
			return fmt.Errorf("mismatch in the last %d bytes", len(tail))
		}
	}

	fmt.Printf("%s matches flash at 0x%08X\n", args[0], addr)
	return nil
}

func runSeal(cmd *cobra.Command, args []string) error {
	data, err := readImage(args[0])
	if err != nil {
		return err
	}

	c, conn, err := connectSynced()
	if err != nil {
		return err
	}
	defer conn.Close()

	addr, err := loadAddress(c)
	if err != nil {
		return err
	}

	h := image.FromBinary(addr, data)
	if err := c.Seal(h); err != nil {
		return err
	}
	fmt.Printf("Sealed: %s\n", h)
	return nil
}

func runGo(cmd *cobra.Command, args []string) error {
	c, conn, err := connectSynced()
	if err != nil {
		return err
	}
	defer conn.Close()

	var vector uint32
	if len(args) == 1 {
		vector, err = parseWord(args[0])
	} else {
		vector, err = loadAddress(c)
	}
	if err != nil {
		return err
	}

	if err := c.Go(vector); err != nil {
		return err
	}
	fmt.Printf("Jumped to 0x%08X\n", vector)
	return nil
}

func runReboot(cmd *cobra.Command, args []string) error {
	c, conn, err := connectSynced()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.Reboot(bootloaderFlag); err != nil {
		return err
	}
	if bootloaderFlag {
		fmt.Println("Rebooting into the bootloader")
	} else {
		fmt.Println("Rebooting")
	}
	return nil
}

func runImghdr(cmd *cobra.Command, args []string) error {
	data, err := readImage(args[0])
	if err != nil {
		return err
	}

	var addr uint32 = defaultLoadAddress
	switch {
	case mapFlag != "":
		f, err := paths.New(mapFlag).Open()
		if err != nil {
			return err
		}
		defer f.Close()
		if addr, err = image.SectionAddress(f, sectionFlag); err != nil {
			return err
		}
		fmt.Printf("Found address 0x%x for %s in %s\n", addr, sectionFlag, mapFlag)
	case addrFlag != "":
		if addr, err = parseWord(addrFlag); err != nil {
			return err
		}
	}

	h := image.FromBinary(addr, data)
	if err := paths.New(args[1]).WriteFile(h.Encode(12)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	fmt.Printf("%s: %s\n", args[1], h)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
