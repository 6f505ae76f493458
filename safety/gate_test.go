package safety

import "testing"

func TestECUProgrammingBlockedWhileEngineRunning(t *testing.T) {
	_, err := Check(OpECUProgramming, VehicleState{
		BusVoltage:       12.5,
		EngineRunning:    true,
		TransmissionGear: "P",
	})
	if err == nil {
		t.Fatal("expected violation")
	}
	v, ok := err.(*Violation)
	if !ok {
		t.Fatalf("expected *Violation, got %T", err)
	}
	if v.Operation != OpECUProgramming {
		t.Errorf("operation = %v", v.Operation)
	}
}

func TestECUProgrammingPassesAllPreconditions(t *testing.T) {
	issues, err := Check(OpECUProgramming, VehicleState{
		BusVoltage:       12.5,
		EngineRunning:    false,
		TransmissionGear: "P",
		VehicleSpeedKPH:  0,
	})
	if err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestECUCodingWarnsButDoesNotBlockOnRunningEngine(t *testing.T) {
	issues, err := Check(OpECUCoding, VehicleState{BusVoltage: 13.0, EngineRunning: true})
	if err != nil {
		t.Fatalf("warning-only issue must not block: %v", err)
	}
	if len(issues) != 1 || issues[0].Severity != SeverityWarning {
		t.Fatalf("expected one warning, got %v", issues)
	}
}

func TestDTCClearingLowVoltageBlocks(t *testing.T) {
	_, err := Check(OpDTCClearing, VehicleState{BusVoltage: 10.0})
	if err == nil {
		t.Fatal("expected violation for low voltage")
	}
}

func TestSafetySystemSessionBlocksAboveSpeedThreshold(t *testing.T) {
	_, err := Check(OpSafetySystemSession, VehicleState{VehicleSpeedKPH: 5})
	if err == nil {
		t.Fatal("expected violation at speed threshold")
	}

	issues, err := Check(OpSafetySystemSession, VehicleState{VehicleSpeedKPH: 4.9, EngineRunning: true})
	if err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
	if len(issues) != 1 || issues[0].Severity != SeverityWarning {
		t.Fatalf("expected one engine-running warning, got %v", issues)
	}
}

func TestProgrammingSessionRequiresParkAndZeroSpeed(t *testing.T) {
	issues, err := Check(OpProgrammingSession, VehicleState{
		BusVoltage:       12.0,
		EngineRunning:    false,
		TransmissionGear: "N",
		VehicleSpeedKPH:  0,
	})
	if err == nil {
		t.Fatal("expected violation for gear N (must be P)")
	}
	v := err.(*Violation)
	if len(v.Issues) != 1 {
		t.Fatalf("expected exactly one issue, got %v", issues)
	}
}
