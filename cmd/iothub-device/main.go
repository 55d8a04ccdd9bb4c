package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubgate/iothub/cmd/internal"
	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice"
	"github.com/hubgate/iothub/iotdevice/transport"
	"github.com/hubgate/iothub/iotdevice/transport/http"
	"github.com/hubgate/iothub/iotdevice/transport/mqtt"
	"github.com/hubgate/iothub/logger"
)

var (
	transportFlag = "mqtt"
	debugFlag     = false
)

func main() {
	if err := run(); err != nil {
		if err != internal.ErrInvalidUsage {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return internal.Run(ctx, "device-side iothub client", []*internal.Command{
		{
			Name:    "send",
			Help:    "PAYLOAD [KEY VALUE]...",
			Desc:    "send a device-to-cloud message",
			Handler: sendCommand,
		},
		{
			Name:    "watch-events",
			Desc:    "subscribe to cloud-to-device messages",
			Handler: watchEventsCommand,
		},
		{
			Name:    "direct-method",
			Help:    "NAME",
			Desc:    "register a direct method that echoes its payload",
			Handler: directMethodCommand,
		},
		{
			Name:    "twin",
			Desc:    "retrieve the device twin state",
			Handler: twinCommand,
		},
	}, os.Args, func(fs *flag.FlagSet) {
		fs.StringVar(&transportFlag, "transport", transportFlag, "transport to use <mqtt|http>")
		fs.BoolVar(&debugFlag, "debug", debugFlag, "enable debug logging")
	})
}

func newClient() (*iotdevice.Client, error) {
	cs := os.Getenv("IOTHUB_DEVICE_CONNECTION_STRING")
	if cs == "" {
		return nil, errors.New("IOTHUB_DEVICE_CONNECTION_STRING is blank")
	}

	lr := logrus.New()
	lr.SetLevel(logrus.WarnLevel)
	if debugFlag {
		lr.SetLevel(logrus.DebugLevel)
	}
	lg := logger.NewLogrus(lr)

	var tr transport.Transport
	switch transportFlag {
	case "mqtt":
		tr = mqtt.New(mqtt.WithLogger(lg))
	case "http":
		creds, err := iotdevice.NewSASCredentials(cs)
		if err != nil {
			return nil, err
		}
		tr = http.New(creds, http.WithLogger(lg))
	default:
		return nil, fmt.Errorf("unknown transport %q", transportFlag)
	}
	return iotdevice.NewFromConnectionString(tr, cs, iotdevice.WithLogger(lg))
}

func sendCommand(ctx context.Context, fs *flag.FlagSet) error {
	if fs.NArg() < 1 || fs.NArg()%2 != 1 {
		return internal.ErrInvalidUsage
	}
	props := map[string]string{}
	for i := 1; i < fs.NArg(); i += 2 {
		props[fs.Arg(i)] = fs.Arg(i + 1)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.SendEvent(ctx, &common.Message{
		Payload:    []byte(fs.Arg(0)),
		Properties: props,
	})
}

func watchEventsCommand(ctx context.Context, fs *flag.FlagSet) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	c.NotifyDisconnect(func(err error) {
		fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
	})
	c.NotifyError(func(err error) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	})
	if err := c.SubscribeEvents(func(msg *common.Message) {
		fmt.Println(msg.Inspect())
	}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func directMethodCommand(ctx context.Context, fs *flag.FlagSet) error {
	if fs.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	name := strings.TrimSpace(fs.Arg(0))

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.RegisterMethod(name, func(p map[string]interface{}) (map[string]interface{}, error) {
		fmt.Printf("direct-method %q invoked\n", name)
		return p, nil
	}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func twinCommand(ctx context.Context, fs *flag.FlagSet) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	twin, err := c.GetTwin(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	desired, reported, err := twin.Retrieve(rctx)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(map[string]interface{}{
		"desired":  desired,
		"reported": reported,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
