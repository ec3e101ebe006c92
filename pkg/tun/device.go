// Package tun provides a non-blocking raw-IPv4-packet interface over a
// point-to-point TUN device.
package tun

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

// packetBufferPool reduces allocations on the read path; buffers are sized
// for a conventional Ethernet-class MTU.
var packetBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 1500)
		return &b
	},
}

// device is the subset of water.Interface this package depends on, so tests
// can substitute an in-memory pipe.
type device interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// Device is a point-to-point L3 virtual interface: Recv blocks until one
// raw IPv4 packet is available, Send writes one raw IPv4 packet. Writes are
// queued to a background worker so Send never blocks the caller on kernel
// backpressure.
type Device struct {
	iface   device
	name    string
	localIP string
	peerIP  string

	writeQueue chan []byte
	wg         sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}

	log *logrus.Entry
}

// Config describes the point-to-point addressing for a new Device.
type Config struct {
	Name    string // optional; kernel assigns one if empty
	LocalIP string // e.g. "10.0.0.2"
	PeerIP  string // e.g. "10.0.0.1"
}

// New creates a TUN device and configures it with point-to-point addressing.
func New(cfg Config, log *logrus.Logger) (*Device, error) {
	waterCfg := water.Config{DeviceType: water.TUN}
	if cfg.Name != "" {
		waterCfg.Name = cfg.Name
	}

	iface, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("tun: failed to create device: %w", err)
	}

	d := &Device{
		iface:      iface,
		name:       iface.Name(),
		localIP:    cfg.LocalIP,
		peerIP:     cfg.PeerIP,
		writeQueue: make(chan []byte, 4096),
		closed:     make(chan struct{}),
		log:        log.WithField("component", "tun").WithField("device", iface.Name()),
	}

	if err := d.configurePointToPoint(); err != nil {
		d.Close()
		return nil, fmt.Errorf("tun: failed to configure addressing: %w", err)
	}

	d.wg.Add(1)
	go d.writeWorker()

	d.log.WithFields(logrus.Fields{"local": cfg.LocalIP, "peer": cfg.PeerIP}).Info("tun device ready")
	return d, nil
}

// configurePointToPoint brings the interface up with local/peer addressing,
// shelling out to the platform's network configuration tool.
func (d *Device) configurePointToPoint() error {
	if runtime.GOOS == "darwin" {
		cmd := exec.Command("ifconfig", d.name, d.localIP, d.peerIP, "up")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ifconfig: %w (output: %s)", err, out)
		}
		return nil
	}

	if err := exec.Command("ip", "link", "set", "dev", d.name, "up").Run(); err != nil {
		return fmt.Errorf("ip link set up: %w", err)
	}
	cmd := exec.Command("ip", "addr", "add", d.localIP+"/32", "peer", d.peerIP+"/32", "dev", d.name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip addr add: %w (output: %s)", err, out)
	}
	return nil
}

// Recv blocks until one raw IPv4 packet is available and returns it. A
// transient short read (zero bytes, no error) is retried rather than
// surfaced to the caller.
func (d *Device) Recv() ([]byte, error) {
	for {
		bufPtr := packetBufferPool.Get().(*[]byte)
		buf := *bufPtr

		n, err := d.iface.Read(buf)
		if err != nil {
			packetBufferPool.Put(bufPtr)
			return nil, fmt.Errorf("tun: read failed: %w", err)
		}
		if n == 0 {
			packetBufferPool.Put(bufPtr)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		packetBufferPool.Put(bufPtr)
		return packet, nil
	}
}

// Send queues one raw IPv4 packet for the write worker. The caller's
// buffer may be reused immediately after Send returns.
func (d *Device) Send(packet []byte) error {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case d.writeQueue <- packetCopy:
		return nil
	case <-d.closed:
		return fmt.Errorf("tun: device closed")
	}
}

func (d *Device) writeWorker() {
	defer d.wg.Done()
	for packet := range d.writeQueue {
		if _, err := d.iface.Write(packet); err != nil {
			d.log.WithError(err).Warn("write retry after readiness")
			if _, err := d.iface.Write(packet); err != nil {
				d.log.WithError(err).Error("packet dropped after retry")
			}
		}
	}
}

// Close shuts down the device and waits for the write worker to drain.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		close(d.writeQueue)
	})
	d.wg.Wait()
	return d.iface.Close()
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string {
	return d.name
}
