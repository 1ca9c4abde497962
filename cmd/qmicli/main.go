// Package main provides qmicli, a thin example front end over a Device:
// open a control port, allocate a client against a service, send one
// command, and print its raw response. It does nothing a real modem
// manager would also want (no retransmission, no response caching, no
// transaction tracking of its own) — those concerns live in Device.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/openqmi/qmicore/device"
	"github.com/openqmi/qmicore/qmiconfig"
	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/transport"
)

const (
	cmdAllocate = "allocate"
	cmdCommand  = "command"
	cmdVersion  = "version"
)

const toolVersion = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case cmdVersion:
		fmt.Println("qmicli " + toolVersion)
	case cmdAllocate:
		runAllocate(os.Args[2:])
	case cmdCommand:
		runCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: qmicli <command> [flags]

Commands:
  allocate -path <dev> -service <hex>
      Open the control port, allocate a client against a service, print
      its id, then release it.

  command -path <dev> -service <hex> -message <hex>
      Open the control port, allocate a client, send a bodiless command,
      print the raw response bytes as hex.

  version
      Print tool version.`)
}

func openDevice(path string) (*device.Device, error) {
	cfg := qmiconfig.Default()
	factory := func(logger qmilog.Logger) (transport.Endpoint, error) {
		return transport.NewQMUXEndpoint(path, logger), nil
	}
	d, err := device.New(path, factory, cfg, qmilog.Default(), nil, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpenTimeout+cfg.SyncTimeout*time.Duration(cfg.SyncRetries))
	defer cancel()
	if err := d.Open(ctx); err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	return d, nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	return byte(v), err
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	return uint16(v), err
}

func runAllocate(args []string) {
	fs := flag.NewFlagSet(cmdAllocate, flag.ExitOnError)
	path := fs.String("path", "", "control port device path")
	serviceHex := fs.String("service", "", "service id, hex (e.g. 0x02 for DMS)")
	fs.Parse(args)

	if *path == "" || *serviceHex == "" {
		fmt.Fprintln(os.Stderr, "allocate requires -path and -service")
		os.Exit(1)
	}
	service, err := parseByte(*serviceHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -service: %v\n", err)
		os.Exit(1)
	}

	d, err := openDevice(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer d.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.AllocateClient(ctx, service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocate client: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("allocated client id 0x%02x on service 0x%02x\n", client.ID, client.Service)

	if err := d.ReleaseClient(ctx, client); err != nil {
		fmt.Fprintf(os.Stderr, "release client: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(args []string) {
	fs := flag.NewFlagSet(cmdCommand, flag.ExitOnError)
	path := fs.String("path", "", "control port device path")
	serviceHex := fs.String("service", "", "service id, hex")
	messageHex := fs.String("message", "", "message id, hex")
	fs.Parse(args)

	if *path == "" || *serviceHex == "" || *messageHex == "" {
		fmt.Fprintln(os.Stderr, "command requires -path, -service and -message")
		os.Exit(1)
	}
	service, err := parseByte(*serviceHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -service: %v\n", err)
		os.Exit(1)
	}
	messageID, err := parseUint16(*messageHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -message: %v\n", err)
		os.Exit(1)
	}

	d, err := openDevice(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer d.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := d.AllocateClient(ctx, service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocate client: %v\n", err)
		os.Exit(1)
	}
	defer d.ReleaseClient(context.Background(), client)

	resp, err := d.Command(ctx, client, messageID, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "command: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(resp.GetRaw()))
}
