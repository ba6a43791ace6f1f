package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

// Client wraps a Modbus TCP connection to the WiNet-S dongle. All reads use
// input registers (fn 0x04). Safe for concurrent use.
type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	host    string
	port    int
	slaveID uint8
	timeout time.Duration
}

func NewClient(host string, port int, slaveID uint8, timeout time.Duration) *Client {
	return &Client{
		host:    host,
		port:    port,
		slaveID: slaveID,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", c.host, c.port),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to inverter: %w", err)
	}

	client.SetUnitId(c.slaveID)
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) ReadInputRegisters(address uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	regs, err := c.client.ReadRegisters(address, quantity, modbus.INPUT_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("failed to read input registers at %d: %w", address, err)
	}

	return regs, nil
}

func (c *Client) ReadUint16(address uint16) (uint16, error) {
	regs, err := c.ReadInputRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// ReadString reads length words and decodes them as ASCII, high byte first,
// trimming trailing NULs. Used for the serial number register block.
func (c *Client) ReadString(address uint16, length uint16) (string, error) {
	regs, err := c.ReadInputRegisters(address, length)
	if err != nil {
		return "", err
	}

	bytes := make([]byte, 0, length*2)
	for _, reg := range regs {
		bytes = append(bytes, byte(reg>>8), byte(reg&0xFF))
	}

	for len(bytes) > 0 && bytes[len(bytes)-1] == 0 {
		bytes = bytes[:len(bytes)-1]
	}

	return string(bytes), nil
}

func (c *Client) Reconnect() error {
	c.Close()
	return c.Connect()
}
