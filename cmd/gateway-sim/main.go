package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"taglocator/gateway-server/internal/model"
	"taglocator/gateway-server/internal/protocol"
)

type gateway struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	ident   model.GatewayIdentity
}

func (g *gateway) write(frame []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = g.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return g.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func main() {
	serverURL := pflag.String("url", "ws://localhost:8080/gateway", "gateway endpoint of the server")
	gwID := pflag.String("gw-id", "AA:BB:CC:00:00:01", "gateway hardware id")
	tags := pflag.StringSlice("tags", []string{"C0:FF:EE:00:00:01"}, "tag ids to simulate")
	interval := pflag.Duration("interval", 2*time.Second, "interval between tag reports")
	baseRSSI := pflag.Int("base-rssi", -60, "baseline RSSI value to simulate")
	rssiJitter := pflag.Int("rssi-jitter", 6, "maximum random jitter applied to RSSI readings")
	battery := pflag.Uint8("battery", 200, "raw battery byte")
	otp := pflag.Uint8("otp", 0x25, "raw calibration byte")
	tempRaw := pflag.Uint8("temp-raw", 120, "raw temperature byte")
	hwVersion := pflag.String("hw", "HW1.0", "hardware version string")
	fwVersion := pflag.String("fw", "FW1.0.0", "firmware version string")
	silent := pflag.Bool("silent", false, "never answer the identity request")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverURL, nil)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *serverURL, err)
	}
	log.Printf("connected to %s as %s", *serverURL, *gwID)

	gw := &gateway{
		conn: conn,
		ident: model.GatewayIdentity{
			GatewayID:       *gwID,
			HardwareVersion: *hwVersion,
			FirmwareVersion: *fwVersion,
			WSURL:           *serverURL,
			ReportInterval:  uint32(interval.Seconds()),
			RSSIFilter:      -100,
		},
	}

	registered := make(chan struct{})
	readErr := make(chan error, 1)
	go func() { readErr <- gw.readLoop(*silent, registered) }()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var tick uint32
	publish := func() {
		for _, tagID := range *tags {
			tick++
			reading := protocol.TagReading{
				GatewayID: *gwID,
				TagID:     tagID,
				ScanTick:  tick,
				RSSI:      randomRSSI(*baseRSSI, *rssiJitter),
				Battery:   *battery,
				OTP:       *otp,
				TempRaw:   *tempRaw,
			}
			frame, err := protocol.EncodeTagData(reading)
			if err != nil {
				log.Printf("failed to encode tag %s: %v", tagID, err)
				continue
			}
			if err := gw.write(frame); err != nil {
				log.Printf("send error: %v", err)
				return
			}
			log.Printf("reported tag %s rssi=%d", tagID, reading.RSSI)
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case err := <-readErr:
			log.Printf("connection closed: %v", err)
			return
		case <-ticker.C:
			select {
			case <-registered:
				publish()
			default:
			}
		}
	}
}

// readLoop answers the server: the identity request with our identity and
// commands with an acknowledgement.
func (g *gateway) readLoop(silent bool, registered chan<- struct{}) error {
	var once sync.Once
	for {
		_, frame, err := g.conn.ReadMessage()
		if err != nil {
			return err
		}
		hdr, err := protocol.ParseHeader(frame)
		if err != nil {
			log.Printf("short frame from server: % X", frame)
			continue
		}

		switch {
		case hdr.FrameType == protocol.TypeIdentity && hdr.Direction == protocol.DirRequest:
			if silent {
				log.Print("identity requested, staying silent")
				continue
			}
			reply, err := protocol.EncodeGatewayIdentity(g.ident, protocol.DirResponse)
			if err != nil {
				return fmt.Errorf("encode identity: %w", err)
			}
			if err := g.write(reply); err != nil {
				return err
			}
			log.Print("identity sent")
		case hdr.FrameType == protocol.TypeIdentity && hdr.Direction == protocol.DirResponse:
			once.Do(func() { close(registered) })
			log.Print("registered with server")
		case hdr.FrameType == protocol.TypeTagData:
			// sample ack
		case protocol.IsCommandAck(hdr.FrameType) && hdr.Direction == protocol.DirRequest:
			log.Printf("command %s received (%d byte body)", protocol.TypeName(hdr.FrameType), hdr.DeclaredLength)
			if err := g.write([]byte{hdr.FrameType, protocol.DirResponse, 0x00, 0x00}); err != nil {
				return err
			}
		default:
			log.Printf("unexpected frame % X", frame)
		}
	}
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
