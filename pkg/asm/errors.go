package asm

import (
	"errors"

	"github.com/xplshn/basm/pkg/cond"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/expr"
	"github.com/xplshn/basm/pkg/fixup"
	"github.com/xplshn/basm/pkg/scope"
	"github.com/xplshn/basm/pkg/segment"
	"github.com/xplshn/basm/pkg/structs"
	"github.com/xplshn/basm/pkg/token"
	"github.com/xplshn/basm/pkg/z80"
)

// errorCodes maps package sentinels to diagnostic codes; the first match wins
var errorCodes = []struct {
	err  error
	code diag.Code
}{
	{scope.ErrDuplicate, diag.CodeDuplicate},
	{scope.ErrUnknown, diag.CodeUnknown},
	{scope.ErrNotVisible, diag.CodeNotVisible},
	{scope.ErrNotScope, diag.CodeNotValue},
	{scope.ErrAtRoot, diag.CodeUnmatched},
	{ErrNotValue, diag.CodeNotValue},

	{structs.ErrDuplicateField, diag.CodeDuplicate},
	{structs.ErrNotData, diag.CodeNotData},
	{structs.ErrNested, diag.CodeContext},
	{structs.ErrNotOpen, diag.CodeUnmatched},
	{structs.ErrNegativeSize, diag.CodeNegative},

	{segment.ErrOverflow, diag.CodeOverflow},
	{segment.ErrNoModel, diag.CodeNoModel},
	{segment.ErrModelLocked, diag.CodeContext},
	{segment.ErrBankUsed, diag.CodeBankUsed},
	{segment.ErrBankRange, diag.CodeBankRange},
	{segment.ErrOutsideBank, diag.CodeBankRange},
	{segment.ErrNoOrigin, diag.CodeNoOrigin},
	{segment.ErrXorgTwice, diag.CodeXorgTwice},

	{cond.ErrNoIf, diag.CodeUnmatched},
	{cond.ErrElifAfterElse, diag.CodeContext},
	{cond.ErrDoubleElse, diag.CodeContext},

	{fixup.ErrUnresolved, diag.CodeUnresolved},
	{fixup.ErrAssert, diag.CodeAssert},
	{fixup.ErrRange, diag.CodeRange},

	{expr.ErrDivZero, diag.CodeDivZero},
	{expr.ErrNotNumber, diag.CodeBadArgument},
	{expr.ErrBuiltin, diag.CodeBadArgument},

	{z80.ErrUnknownMnemonic, diag.CodeUnknownMnemonic},
	{z80.ErrOperands, diag.CodeBadArgument},

	{ErrNotConstant, diag.CodeNotConstant},
	{ErrContext, diag.CodeContext},
	{ErrArgs, diag.CodeBadArgument},
	{ErrNegative, diag.CodeNegative},
}

func codeFor(err error) diag.Code {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return diag.CodeSyntax
}

func (s *State) fail(pos token.Pos, err error) {
	if err == nil {
		return
	}
	s.diags.Errorf(codeFor(err), pos, "%v", err)
}
