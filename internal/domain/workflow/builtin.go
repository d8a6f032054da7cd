package workflow

import "github.com/garyjia/campus-approvals/internal/domain/identity"

// Names of the built-in approval chains
const (
	DefinitionMarks       = "marks"
	DefinitionProcurement = "procurement"
	DefinitionHostel      = "hostel"
	DefinitionFees        = "fees"

	DefinitionSemesterReport = "semester_report"
	DefinitionResitExam      = "resit_exam"
	DefinitionUnitEnrollment = "unit_enrollment"
	DefinitionUnitAllocation = "unit_allocation"
)

// MarksApproval: lecturer submits CAT/exam marks; HOD, HOS and Dean sign off before publication
func MarksApproval() *Definition {
	def := MustDefinition(DefinitionMarks, 1, identity.RoleLecturer,
		Stage{Name: "hod_review", Role: identity.RoleHOD},
		Stage{Name: "hos_review", Role: identity.RoleHOS},
		Stage{Name: "dean_review", Role: identity.RoleDean},
	)
	def.Description = "Marks entry approval (HOD -> HOS -> Dean -> published)"
	return def
}

// ProcurementRequisition: departmental purchase requisitions
func ProcurementRequisition() *Definition {
	def := MustDefinition(DefinitionProcurement, 1, "",
		Stage{Name: "hod_approval", Role: identity.RoleHOD},
		Stage{Name: "hos_approval", Role: identity.RoleHOS},
		Stage{Name: "procurement_approval", Role: identity.RoleProcurement},
	)
	def.Description = "Purchase requisition approval (HOD -> HOS -> procurement)"
	return def
}

// HostelApplication: apply, booking fee verified by finance, then warden allocates
func HostelApplication() *Definition {
	def := MustDefinition(DefinitionHostel, 1, identity.RoleStudent,
		Stage{Name: "booking_fee_verification", Role: identity.RoleFinance},
		Stage{Name: "allocation", Role: identity.RoleHostelWarden},
	)
	def.Description = "Hostel application (apply -> pay -> review -> allocate)"
	return def
}

// FeeVerification: a declared payment is verified by finance before the balance is updated
func FeeVerification() *Definition {
	def := MustDefinition(DefinitionFees, 1, identity.RoleStudent,
		Stage{Name: "finance_verification", Role: identity.RoleFinance},
	)
	def.Description = "Fee payment verification"
	return def
}

// SemesterReport: a student reports for a new semester. Finance clears the fee balance,
// then the registrar checks academic standing. A deferral is recorded as a rejection with
// the reason in the comment.
func SemesterReport() *Definition {
	def := MustDefinition(DefinitionSemesterReport, 1, identity.RoleStudent,
		Stage{Name: "financial_clearance", Role: identity.RoleFinance},
		Stage{Name: "academic_clearance", Role: identity.RoleRegistrar},
	)
	def.Description = "Semester reporting (financial clearance -> academic clearance)"
	return def
}

// ResitExam: a registered resit is approved by the student's department
func ResitExam() *Definition {
	def := MustDefinition(DefinitionResitExam, 1, identity.RoleStudent,
		Stage{Name: "hod_approval", Role: identity.RoleHOD},
	)
	def.Description = "Resit exam registration"
	return def
}

// UnitEnrollment: unit registration after semester reporting, approved by the HOD
func UnitEnrollment() *Definition {
	def := MustDefinition(DefinitionUnitEnrollment, 1, identity.RoleStudent,
		Stage{Name: "hod_approval", Role: identity.RoleHOD},
	)
	def.Description = "Unit enrollment"
	return def
}

// UnitAllocation: the HOD assigns a lecturer to a unit; HOS and Dean confirm
func UnitAllocation() *Definition {
	def := MustDefinition(DefinitionUnitAllocation, 1, identity.RoleHOD,
		Stage{Name: "hod_review", Role: identity.RoleHOD},
		Stage{Name: "hos_review", Role: identity.RoleHOS},
		Stage{Name: "dean_review", Role: identity.RoleDean},
	)
	def.Description = "Lecturer unit allocation (HOD -> HOS -> Dean)"
	return def
}

// BuiltinDefinitions returns fresh copies of every built-in chain
func BuiltinDefinitions() []*Definition {
	return []*Definition{
		MarksApproval(),
		ProcurementRequisition(),
		HostelApplication(),
		FeeVerification(),
		SemesterReport(),
		ResitExam(),
		UnitEnrollment(),
		UnitAllocation(),
	}
}
