// Command motor-controller runs closed loop speed control for the motors of a
// rig file and takes speed setpoints over MQTT.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/motor-controller/internal/config"
	"github.com/sweeney/motor-controller/internal/motor"
	"github.com/sweeney/motor-controller/internal/mqtt"
	"github.com/sweeney/motor-controller/internal/rig"
)

func main() {
	configPath := flag.String("config", "/etc/motor-controller/rig.yaml", "Rig configuration file")
	broker := flag.String("broker", "", "MQTT broker address (overrides the config file)")
	health := flag.Duration("health", time.Second, "Motor fault check interval")
	printConfig := flag.Bool("print-config", false, "Print the resolved configuration and exit")

	flag.Parse()

	if err := run(*configPath, *broker, *health, *printConfig); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath, broker string, health time.Duration, printConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if broker != "" {
		cfg.MQTT.Broker = broker
	}

	// Print config mode
	if printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	r, err := rig.New(cfg, rig.Open)
	if err != nil {
		return fmt.Errorf("build rig: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Printf("close rig: %v", err)
		}
	}()

	client, err := mqtt.NewRealClient(cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	if err := r.Start(); err != nil {
		return fmt.Errorf("start rig: %w", err)
	}

	throttle := mqtt.NewThrottle(cfg.MQTT.RateLimit, cfg.MQTT.Burst, func(sp mqtt.Setpoint) {
		if err := r.SetSpeed(sp.Motor, sp.Speed); err != nil {
			log.Printf("setpoint: %v", err)
			return
		}
		log.Printf("setpoint: %s -> %.3f rev/s", sp.Motor, sp.Speed)
	})
	if err := client.Subscribe(cfg.MotorNames(), throttle.Handle); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	startupEvent := mqtt.SystemEvent{
		Timestamp: time.Now(),
		Event:     "STARTUP",
		Motors:    cfg.MotorNames(),
		Retained:  true,
	}
	if err := client.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	log.Printf("started: config=%s broker=%s prefix=%s motors=%v", configPath, cfg.MQTT.Broker, cfg.MQTT.TopicPrefix, cfg.MotorNames())

	ticker := time.NewTicker(health)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(watched(r.Motors()), client, time.Now, ticker.C, sigCh)
	if serr := r.Stop(); serr != nil {
		log.Printf("stop rig: %v", serr)
	}
	return err
}

// faultSource is a component whose worker can die on a hardware error.
type faultSource interface {
	Name() string
	Err() error
}

func watched(motors []*motor.Motor) []faultSource {
	out := make([]faultSource, len(motors))
	for i, m := range motors {
		out[i] = m
	}
	return out
}

// runLoop reports motor faults on every tick and publishes the shutdown event
// when a signal arrives. Each fault is reported once.
func runLoop(motors []faultSource, publisher mqtt.Client, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	reported := make(map[string]bool)

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			for _, m := range motors {
				err := m.Err()
				if err == nil || reported[m.Name()] {
					continue
				}
				reported[m.Name()] = true
				log.Printf("motor %s faulted: %v", m.Name(), err)

				event := mqtt.SystemEvent{
					Timestamp: now(),
					Event:     "FAULT",
					Reason:    fmt.Sprintf("%s: %v", m.Name(), err),
				}
				if err := publisher.PublishSystem(event); err != nil {
					log.Printf("failed to publish fault event: %v", err)
				}
			}
		}
	}
}
