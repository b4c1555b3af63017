package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"khost/common/config"
	"khost/common/logger"
	"khost/motion"
	"khost/serialhdl"
)

// Message tags come from the MCU data dictionary at handshake time; these
// match the reference firmware build.
const (
	queue_step_msgtag        = 11
	set_next_step_dir_msgtag = 12
)

// Depth of the MCU move queue the stepper commands are paced against.
const mcu_move_count = 256

type host struct {
	cfg      *config.Config
	hdl      *serialhdl.SerialHdl
	tq       *motion.TrapQ
	mq       *motion.MoveQueue
	sync     *motion.StepperSync
	steppers []*motion.StepperKinematics

	pos        motion.Coord
	print_time float64
}

func makeKinematics(sc *config.StepperConfig) (motion.Kinematics, error) {
	axis := byte(0)
	if sc.Axis != "" {
		axis = sc.Axis[0]
	}
	switch sc.Kinematics {
	case "cartesian":
		kin, err := motion.NewCartesianKinematics(axis)
		if err != nil {
			return nil, err
		}
		return kin, nil
	case "corexy":
		kin, err := motion.NewCorexyKinematics(axis)
		if err != nil {
			return nil, err
		}
		return kin, nil
	case "delta":
		return motion.NewDeltaKinematics(sc.ArmLength*sc.ArmLength,
			sc.TowerX, sc.TowerY), nil
	case "polar":
		kin, err := motion.NewPolarKinematics(axis)
		if err != nil {
			return nil, err
		}
		return kin, nil
	case "winch":
		return motion.NewWinchKinematics(sc.AnchorX, sc.AnchorY, sc.AnchorZ), nil
	case "extruder":
		return motion.NewExtruderKinematics(), nil
	}
	return nil, fmt.Errorf("stepper %s: unknown kinematics %q", sc.Name, sc.Kinematics)
}

func buildHost(cfg *config.Config) (*host, error) {
	hdl := serialhdl.NewSerialHdl(cfg.Serial.Port, cfg.Serial.Baud,
		cfg.Serial.McuFreq, cfg.Serial.ReceiveWindow)
	if err := hdl.Connect(); err != nil {
		return nil, err
	}
	tq := motion.NewTrapq()
	var steppers []*motion.StepperKinematics
	for i := range cfg.Steppers {
		sc := &cfg.Steppers[i]
		kin, err := makeKinematics(sc)
		if err != nil {
			return nil, err
		}
		sk := motion.NewStepperKinematics(sc.Name, sc.StepDistance, kin)
		stepc := motion.NewStepCompress(uint32(i))
		stepc.Fill(uint32(sc.MaxError*cfg.Serial.McuFreq), sc.InvertDir,
			queue_step_msgtag, set_next_step_dir_msgtag)
		stepc.Set_time(0., cfg.Serial.McuFreq)
		sk.Set_stepcompress(stepc)
		sk.Set_trapq(tq)
		if ek, ok := kin.(*motion.ExtruderKinematics); ok {
			ek.Set_pressure_advance(sk, sc.PressureAdvance, sc.SmoothTime)
		}
		steppers = append(steppers, sk)
	}
	sync := motion.NewStepperSync(hdl.New_step_queue("steppers"), steppers,
		[]*motion.TrapQ{tq}, mcu_move_count)
	sync.Set_time(0., cfg.Serial.McuFreq)
	return &host{
		cfg:      cfg,
		hdl:      hdl,
		tq:       tq,
		mq:       motion.NewMoveQueue(),
		sync:     sync,
		steppers: steppers,
	}, nil
}

// queue_line plans one straight move along dir and feeds the planned
// segments into the trajectory queue.
func (self *host) queue_line(dir motion.Coord, dist, speed float64) error {
	p := &self.cfg.Planner
	speed = math.Min(speed, p.MaxVelocity)
	err := self.mq.Add_move(dist, speed*speed, speed, p.AccelOrder,
		p.MaxAccel, p.SmoothedAccel, p.Jerk, p.MinJerkLimitTime, 0.)
	if err != nil {
		return err
	}
	self.mq.Plan(true)
	self.drain(dir)
	return nil
}

func (self *host) drain(dir motion.Coord) {
	for {
		fm := self.mq.Getmove()
		if fm == nil {
			return
		}
		self.tq.Append(self.print_time, self.pos, dir, fm.AD)
		self.print_time += fm.AD.Total_t()
		self.pos.X += dir.X * fm.Move_d
		self.pos.Y += dir.Y * fm.Move_d
		self.pos.Z += dir.Z * fm.Move_d
	}
}

func (self *host) flush() error {
	move_clock := uint64(self.print_time * self.cfg.Serial.McuFreq)
	return self.sync.Flush(self.print_time, move_clock)
}

func (self *host) run() error {
	for _, sk := range self.steppers {
		if err := sk.Set_position(self.pos); err != nil {
			return err
		}
	}
	// Short demonstration program: three straight segments
	for i := 0; i < 3; i++ {
		if err := self.queue_line(motion.Coord{X: 1.}, 10., 50.); err != nil {
			return err
		}
	}
	self.mq.Plan(false)
	self.drain(motion.Coord{X: 1.})
	if err := self.flush(); err != nil {
		return err
	}
	logger.Infof("flushed %.3fs of motion to %v", self.print_time, self.pos)
	logger.Infof("link stats: %s", self.hdl.Stats())
	return nil
}

func main() {
	cfgpath := flag.String("config", "khost.toml", "machine configuration file")
	flag.Parse()
	cfg, err := config.Load(*cfgpath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Options{
		Level:      logger.ParseLevel(cfg.Log.Level),
		Logfile:    cfg.Log.Logfile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	logger.Infof("khost starting config=%s", *cfgpath)
	h, err := buildHost(cfg)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer h.hdl.Disconnect()
	if err := h.run(); err != nil {
		logger.Fatalf("motion fault: %v", err)
	}
}
