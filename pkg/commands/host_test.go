package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/host"
	"klipper-ace/pkg/sensor"
)

func TestSensorCommand(t *testing.T) {
	d, _ := newDispatcher(t)
	bank := sensor.NewBank(sensor.NewSwitch(sensor.Toolhead, 0), sensor.NewSwitch(sensor.ReturnModule, 0))
	d.RegisterHostCommands(bank, nil)
	ctx := context.Background()

	out, err := d.Execute(ctx, "ACE_SENSOR SENSOR=toolhead PRESENT=1")
	require.NoError(t, err)
	assert.Equal(t, "toolhead: detected=true enabled=true", out)
	assert.True(t, bank.Presence(sensor.Toolhead))

	_, err = d.Execute(ctx, "ACE_SENSOR SENSOR=return_module ENABLE=0")
	require.NoError(t, err)
	assert.False(t, bank.Available(sensor.ReturnModule))

	out, err = d.Execute(ctx, "ACE_SENSOR")
	require.NoError(t, err)
	assert.Equal(t, "return_module: detected=false enabled=false\ntoolhead: detected=true enabled=true", out)

	_, err = d.Execute(ctx, "ACE_SENSOR SENSOR=hub PRESENT=1")
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))

	_, err = d.Execute(ctx, "ACE_SENSOR SENSOR=toolhead PRESENT=maybe")
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))

	_, err = d.Execute(ctx, "ACE_PRINT STATE=start")
	assert.True(t, errors.Is(err, errors.ErrCommandUnknown))
}

func TestPrintCommand(t *testing.T) {
	d, _ := newDispatcher(t)
	p := host.NewStandalone(nil)
	d.RegisterHostCommands(nil, p)
	ctx := context.Background()

	out, err := d.Execute(ctx, "ACE_PRINT STATE=start")
	require.NoError(t, err)
	assert.Equal(t, "Printing: true", out)

	out, err = d.Execute(ctx, "ACE_PRINT STATE=pause")
	require.NoError(t, err)
	assert.Equal(t, "Print paused: paused by host", out)
	assert.False(t, p.IsPrinting())

	_, err = d.Execute(ctx, "ACE_PRINT STATE=resume")
	require.NoError(t, err)
	assert.True(t, p.IsPrinting())

	out, err = d.Execute(ctx, "ACE_PRINT STATE=end")
	require.NoError(t, err)
	assert.Equal(t, "Printing: false", out)

	_, err = d.Execute(ctx, "ACE_PRINT")
	assert.True(t, errors.Is(err, errors.ErrCommandMissingParam))
	_, err = d.Execute(ctx, "ACE_PRINT STATE=fly")
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))
}
