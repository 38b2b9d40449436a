package arm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/m20pro/m20kit/pkg/can"
)

// Piper CAN identifiers
const (
	IdStatusFeedback   uint32 = 0x2A1
	IdJoint12Feedback  uint32 = 0x2A5
	IdJoint34Feedback  uint32 = 0x2A6
	IdJoint56Feedback  uint32 = 0x2A7
	IdGripperFeedback  uint32 = 0x2A8
	IdMotionCtrl       uint32 = 0x151
	IdJoint12Ctrl      uint32 = 0x155
	IdJoint34Ctrl      uint32 = 0x156
	IdJoint56Ctrl      uint32 = 0x157
	NbJoints                  = 6
	jointUnitPerDegree        = 1000
)

// Control modes reported in status feedback
const (
	CtrlModeStandby    uint8 = 0x00
	CtrlModeCan        uint8 = 0x01
	CtrlModeTeach      uint8 = 0x02
	CtrlModeEthernet   uint8 = 0x03
	CtrlModeWifi       uint8 = 0x04
	CtrlModeOfflineTrj uint8 = 0x07
)

const MoveModeJoint uint8 = 0x01

var ctrlModeNames = map[uint8]string{
	CtrlModeStandby:    "standby",
	CtrlModeCan:        "can command",
	CtrlModeTeach:      "teach",
	CtrlModeEthernet:   "ethernet",
	CtrlModeWifi:       "wifi",
	CtrlModeOfflineTrj: "offline trajectory",
}

var armStatusNames = map[uint8]string{
	0x00: "normal",
	0x01: "emergency stop",
	0x02: "no solution",
	0x03: "singularity",
	0x04: "target angle exceeds limit",
	0x05: "joint communication error",
	0x06: "joint brake not released",
	0x07: "collision",
	0x08: "overspeed during teach drag",
	0x09: "joint status abnormal",
	0x0A: "other",
}

// Status is decoded from the status feedback frame
type Status struct {
	CtrlMode      uint8
	ArmStatus     uint8
	ModeFeedback  uint8
	TeachStatus   uint8
	MotionStatus  uint8
	TrajectoryNum uint8
	ErrCode       uint16
}

func (s Status) String() string {
	return fmt.Sprintf("ctrl mode: %v, arm status: %v, mode: %#x, teach: %#x, motion: %#x, trajectory: %v, errors: %#04x",
		name(ctrlModeNames, s.CtrlMode), name(armStatusNames, s.ArmStatus),
		s.ModeFeedback, s.TeachStatus, s.MotionStatus, s.TrajectoryNum, s.ErrCode)
}

// Joints with a communication error / angle limit bit set in ErrCode
func (s Status) JointErrors() []int {
	var joints []int
	for i := 0; i < NbJoints; i++ {
		if s.ErrCode&(1<<i) != 0 || s.ErrCode&(1<<(i+8)) != 0 {
			joints = append(joints, i+1)
		}
	}
	return joints
}

func name(names map[uint8]string, value uint8) string {
	if n, ok := names[value]; ok {
		return n
	}
	return fmt.Sprintf("unknown (%#x)", value)
}

// Gripper is decoded from the gripper feedback frame
type Gripper struct {
	StrokeMm float64
	EffortNm float64
	Status   uint8
}

func DecodeStatus(frame can.Frame) Status {
	d := frame.Data
	return Status{
		CtrlMode:      d[0],
		ArmStatus:     d[1],
		ModeFeedback:  d[2],
		TeachStatus:   d[3],
		MotionStatus:  d[4],
		TrajectoryNum: d[5],
		ErrCode:       binary.BigEndian.Uint16(d[6:8]),
	}
}

// Two joint angles in degrees
func DecodeJointPair(frame can.Frame) (float64, float64) {
	first := int32(binary.BigEndian.Uint32(frame.Data[0:4]))
	second := int32(binary.BigEndian.Uint32(frame.Data[4:8]))
	return float64(first) / jointUnitPerDegree, float64(second) / jointUnitPerDegree
}

func DecodeGripper(frame can.Frame) Gripper {
	stroke := int32(binary.BigEndian.Uint32(frame.Data[0:4]))
	effort := int16(binary.BigEndian.Uint16(frame.Data[4:6]))
	return Gripper{
		StrokeMm: float64(stroke) / 1000,
		EffortNm: float64(effort) / 1000,
		Status:   frame.Data[6],
	}
}

func EncodeJointPair(id uint32, first float64, second float64) can.Frame {
	frame := can.NewFrame(id, 0, 8)
	binary.BigEndian.PutUint32(frame.Data[0:4], uint32(int32(math.Round(first*jointUnitPerDegree))))
	binary.BigEndian.PutUint32(frame.Data[4:8], uint32(int32(math.Round(second*jointUnitPerDegree))))
	return frame
}

// Switch to CAN command mode with the given move mode and speed (0-100%)
func EncodeMotionCtrl(moveMode uint8, speedPercent uint8) can.Frame {
	if speedPercent > 100 {
		speedPercent = 100
	}
	frame := can.NewFrame(IdMotionCtrl, 0, 8)
	frame.Data[0] = CtrlModeCan
	frame.Data[1] = moveMode
	frame.Data[2] = speedPercent
	return frame
}
