package registry_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pidctl/internal/controller"
	"pidctl/internal/entity"
	"pidctl/internal/pid"
	"pidctl/internal/registry"
)

func heaterConfig() controller.Config {
	return controller.Config{
		ID:        "heater",
		Input1:    "sensor.temp",
		Output:    "number.heater",
		Gains:     pid.Gains{Kp: 1},
		CycleTime: 10 * time.Millisecond,
		Minimum:   0,
		Maximum:   100,
		Step:      1,
		Setpoint:  20,
	}
}

var _ = Describe("Registry", func() {
	var (
		store *entity.Store
		reg   *registry.Registry
		ctx   context.Context
	)

	outputState := func() string {
		st, _ := store.Get("number.heater")
		return st.Value
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = entity.NewStore()
		store.Set("sensor.temp", "10", nil)
		store.Set("number.heater", "0", map[string]any{"min": 0, "max": 100, "step": 1})
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		reg = registry.New(ctx, store, store, logger)
		DeferCleanup(reg.Close)
	})

	Describe("Add", func() {
		It("starts enabled controllers and drives the output", func() {
			Expect(reg.Add(registry.Entry{Config: heaterConfig(), Enabled: true})).To(Succeed())
			Eventually(outputState).Should(Equal("10"))

			c, err := reg.Get("heater")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Enabled()).To(BeTrue())
		})

		It("leaves disabled controllers idle", func() {
			Expect(reg.Add(registry.Entry{Config: heaterConfig()})).To(Succeed())
			Consistently(outputState, 50*time.Millisecond).Should(Equal("0"))
		})

		It("refuses duplicate ids", func() {
			Expect(reg.Add(registry.Entry{Config: heaterConfig()})).To(Succeed())
			err := reg.Add(registry.Entry{Config: heaterConfig()})
			Expect(err).To(MatchError(registry.ErrDuplicateController))
		})

		It("refuses invalid configs", func() {
			cfg := heaterConfig()
			cfg.Output = ""
			Expect(reg.Add(registry.Entry{Config: cfg})).To(MatchError(controller.ErrInvalidConfig))
			Expect(reg.IDs()).To(BeEmpty())
		})
	})

	Describe("commands", func() {
		BeforeEach(func() {
			Expect(reg.Add(registry.Entry{Config: heaterConfig()})).To(Succeed())
		})

		It("reports unknown ids", func() {
			Expect(reg.TurnOn(ctx, "nope")).To(MatchError(registry.ErrUnknownController))
			Expect(reg.TurnOff("nope")).To(MatchError(registry.ErrUnknownController))
			Expect(reg.SetValue(ctx, "nope", 1)).To(MatchError(registry.ErrUnknownController))
			_, err := reg.Get("nope")
			Expect(err).To(MatchError(registry.ErrUnknownController))
		})

		It("turns on, follows the setpoint and freezes when turned off", func() {
			Expect(reg.TurnOn(ctx, "heater")).To(Succeed())
			Eventually(outputState).Should(Equal("10"))

			Expect(reg.SetValue(ctx, "heater", 30)).To(Succeed())
			Eventually(outputState).Should(Equal("20"))

			Expect(reg.TurnOff("heater")).To(Succeed())
			store.Set("sensor.temp", "0", nil)
			Consistently(outputState, 60*time.Millisecond).Should(Equal("20"))
		})

		It("rejects out of range setpoints", func() {
			err := reg.SetValue(ctx, "heater", 150)
			Expect(err).To(MatchError(controller.ErrOutOfRange))

			var ve *controller.ValidationError
			Expect(err).To(BeAssignableToTypeOf(ve))
			snaps := reg.Snapshots()
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].Setpoint).To(Equal(20.0))
		})
	})

	Describe("Apply", func() {
		It("reconfigures, adds and removes controllers", func() {
			Expect(reg.Add(registry.Entry{Config: heaterConfig(), Enabled: true})).To(Succeed())
			Expect(reg.Add(registry.Entry{Config: controller.Config{
				ID: "old", Input1: "sensor.temp", Output: "number.heater",
				CycleTime: time.Second, Maximum: 100,
			}})).To(Succeed())

			next := heaterConfig()
			next.Gains = pid.Gains{Kp: 2}
			fan := heaterConfig()
			fan.ID = "fan"

			Expect(reg.Apply(ctx, []registry.Entry{
				{Config: next},
				{Config: fan},
			})).To(Succeed())

			Expect(reg.IDs()).To(Equal([]string{"fan", "heater"}))
			c, err := reg.Get("heater")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Config().Gains.Kp).To(Equal(2.0))
			Expect(c.Enabled()).To(BeTrue(), "reload keeps the on/off state")
			Eventually(outputState).Should(Equal("20"))
		})

		It("changes nothing when an entry is invalid", func() {
			Expect(reg.Add(registry.Entry{Config: heaterConfig()})).To(Succeed())
			bad := heaterConfig()
			bad.ID = "bad"
			bad.CycleTime = 0

			err := reg.Apply(ctx, []registry.Entry{{Config: bad}})
			Expect(err).To(MatchError(controller.ErrInvalidConfig))
			Expect(reg.IDs()).To(Equal([]string{"heater"}))
		})
	})

	It("turns every controller off on Close", func() {
		Expect(reg.Add(registry.Entry{Config: heaterConfig(), Enabled: true})).To(Succeed())
		reg.Close()
		c, err := reg.Get("heater")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Enabled()).To(BeFalse())
	})
})
