package detect

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/wota/internal/bootflag"
	"github.com/bigbag/wota/internal/bootloader"
	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/platform"
)

func TestDetectOn_Bootloader(t *testing.T) {
	layout := image.Layout{
		Flash:      flash.Geometry{Base: 0x10000000, Size: 64 * 1024, EraseUnit: 4096, ProgramUnit: 256},
		HeaderAddr: 0x10003000,
		RAM:        image.Region{Base: 0x20000000, Size: 0x42000},
	}
	mem, err := flash.NewMemory(layout.Flash)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	dev, err := bootloader.New(bootloader.Config{
		Storage:  mem,
		Layout:   layout,
		Platform: platform.NewSim(&bootflag.Memory{}, logrus.NewEntry(log)),
		Log:      logrus.NewEntry(log),
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dev.Run(ctx, bootloader.Listener{Listener: ln})

	res, err := DetectOn(ln.Addr().String(), 0)
	require.NoError(t, err)
	require.Equal(t, ln.Addr().String(), res.Target)
	require.Equal(t, uint32(0x10004000), res.Info.WriteMin)
	require.Equal(t, uint32(64*1024-0x4000), res.Info.WriteSize)
}

func TestDetectOn_NotABootloader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			conn.Close()
		}
	}()

	_, err = DetectOn(ln.Addr().String(), 0)
	require.Error(t, err)
}

func TestDetectOn_NothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = DetectOn(addr, 0)
	require.Error(t, err)
}
