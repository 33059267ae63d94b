package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mcuflasher/internal/config"
	"mcuflasher/internal/device"
	"mcuflasher/internal/production"
	"mcuflasher/internal/report"
	"mcuflasher/internal/serialboot"
	"mcuflasher/internal/serialio"
	"mcuflasher/internal/upload"
)

func newPortsCmd() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports, optionally only those that look like a family's adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				ports []device.PortInfo
				err   error
			)
			if family == "" {
				ports, err = device.ListPorts()
			} else {
				f, perr := device.ParseFamily(family)
				if perr != nil {
					return perr
				}
				ports, err = device.ListFamilyPorts(f)
			}
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Printf("%s  [%s:%s]\n", p.Display(), p.VID, p.PID)
				} else {
					fmt.Println(p.Display())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&family, "family", "f", "", "Only show ports matching esp32 or stm32 adapters")
	return cmd
}

func newFlashCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash one board",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, f, err := t.apply(cmd)
			if err != nil {
				return err
			}
			req, err := p.Request(f, false)
			if err != nil {
				return err
			}

			con := newConsole(os.Stdout)
			m := production.NewManager(con.handle)
			if err := m.Start(cmd.Context(), req); err != nil {
				return err
			}
			_ = m.Wait(context.Background(), f)

			out, ok := con.last()
			if !ok || out.Status == upload.StatusStopped {
				return upload.ErrStopped
			}
			if !out.Succeeded() {
				return errors.New(out.Message())
			}
			return nil
		},
	}
	t.register(cmd, true)
	return cmd
}

func newAutoCmd() *cobra.Command {
	var (
		t    target
		save bool
	)
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Flash every board connected to the bench until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, f, err := t.apply(cmd)
			if err != nil {
				return err
			}
			req, err := p.Request(f, true)
			if err != nil {
				return err
			}

			tally := &report.Tally{}
			opts := []production.ManagerOption{production.WithRecorder(tally)}
			var pub *report.MQTTPublisher
			if p.MQTT.Broker != "" {
				pub = report.NewMQTTPublisher(mqttOptions(p.MQTT))
				if err := pub.Connect(cmd.Context()); err != nil {
					logrus.WithError(err).Warn("outcomes will not be published")
				}
				defer pub.Close()
				opts = append(opts, production.WithRecorder(pub))
			}
			if save && configFlag != "" {
				opts = append(opts, production.WithRecorder(&profileSaver{profile: p, path: configFlag}))
			}

			con := newConsole(os.Stdout)
			m := production.NewManager(con.handle, opts...)
			if err := m.Start(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Printf("Automatic mode on %s. Connect boards; Ctrl+C to stop.\n", f)
			_ = m.Wait(context.Background(), f)

			fmt.Printf("%s: %s\n", f, tally.Get(f))
			if pub != nil {
				sent, failed := pub.Stats()
				fmt.Printf("MQTT: %d published, %d failed\n", sent, failed)
			}
			return nil
		},
	}
	t.register(cmd, true)
	cmd.Flags().BoolVar(&save, "save", true, "Write corrected bootloader addresses back to the profile")
	return cmd
}

func mqttOptions(c config.MQTTConfig) report.MQTTOptions {
	return report.MQTTOptions{
		Broker:   c.Broker,
		Topic:    c.Topic,
		ClientID: c.ClientID,
		Username: c.Username,
		Password: c.Password,
		QoS:      c.QoS,
	}
}

// profileSaver persists a corrected image set the first time a correction is seen.
type profileSaver struct {
	profile *config.Profile
	path    string
	saved   bool
}

func (s *profileSaver) Record(out upload.Outcome) {
	if !out.Corrected || s.saved {
		return
	}
	s.profile.SetFirmware(out.Family, out.Images)
	if err := s.profile.Save(s.path); err != nil {
		logrus.WithError(err).Warn("corrected addresses not saved")
		return
	}
	s.saved = true
	logrus.Infof("corrected addresses saved to %s", s.path)
}

// uploaderFor builds the family's uploader without the production loop.
func uploaderFor(cmd *cobra.Command, t *target, con *console) (production.Uploader, device.Family, error) {
	p, f, err := t.apply(cmd)
	if err != nil {
		return nil, f, err
	}
	req, err := p.Request(f, false)
	if err != nil {
		return nil, f, err
	}
	u, _, err := production.DefaultFactory(req, con.sink(f))
	if err != nil {
		return nil, f, err
	}
	if c, ok := u.(interface{ CheckAvailable(context.Context) error }); ok {
		if err := c.CheckAvailable(cmd.Context()); err != nil {
			fmt.Println(upload.Hint(err))
			return nil, f, err
		}
	}
	return u, f, nil
}

func newEraseCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the whole flash",
		RunE: func(cmd *cobra.Command, args []string) error {
			con := newConsole(os.Stdout)
			u, f, err := uploaderFor(cmd, &t, con)
			if err != nil {
				return err
			}
			if err := u.Erase(cmd.Context()); err != nil {
				if hint := upload.Hint(err); hint != "" {
					fmt.Println(hint)
				}
				return err
			}
			fmt.Printf("%s flash erased\n", f)
			return nil
		},
	}
	t.register(cmd, false)
	return cmd
}

func newIdentifyCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Read the attached chip's type and MAC",
		RunE: func(cmd *cobra.Command, args []string) error {
			con := newConsole(os.Stdout)
			u, _, err := uploaderFor(cmd, &t, con)
			if err != nil {
				return err
			}
			id, err := u.Identify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	t.register(cmd, false)
	return cmd
}

func newBootCmd() *cobra.Command {
	var (
		port   string
		hold   int
		test   bool
		normal bool
		wiring bool
	)
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Drive an ESP32 into download mode with DTR/RTS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wiring {
				fmt.Println(serialboot.WiringHelp)
				return nil
			}
			if port == "" {
				return upload.Configf("port", "--port is required")
			}
			c, err := serialboot.Open(serialio.Open, port,
				serialboot.WithHold(time.Duration(hold)*time.Millisecond))
			if err != nil {
				return err
			}
			defer c.Close()

			switch {
			case test:
				fmt.Printf("Toggling DTR then RTS on %s every %s\n", port, c.Hold())
				if !c.TestSignals() {
					return errors.New("signal test failed, see log")
				}
			case normal:
				if !c.NormalBoot() {
					return errors.New("reset failed, see log")
				}
				fmt.Println("Board reset into the application")
			default:
				if !c.EnterProgramMode() {
					return errors.New("boot sequence failed, see log")
				}
				if c.VerifyProgramMode() {
					fmt.Println("Bootloader answered: board is in download mode")
				} else {
					fmt.Println("No answer from the bootloader")
					fmt.Println(serialboot.WiringHelp)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Serial port")
	cmd.Flags().IntVar(&hold, "hold-ms", 250, "How long each signal is held (at least 250)")
	cmd.Flags().BoolVar(&test, "test", false, "Toggle DTR and RTS to check wiring with a meter")
	cmd.Flags().BoolVar(&normal, "normal", false, "Reset into the application instead of the bootloader")
	cmd.Flags().BoolVar(&wiring, "wiring", false, "Print the wiring for adapters without auto-reset")
	return cmd
}
