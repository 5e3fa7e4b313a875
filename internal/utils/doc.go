// Package utils validates admin API input before it reaches the kernel.
//
// Validation:
//   - Process binding names (length and character set)
//   - Message payload size
//   - Read windows
//
// Failures are *ValidationError values naming the offending field.
//
// Example Usage:
//
//	if err := utils.ValidateProcessName("name", req.Name); err != nil {
//	    return err
//	}
package utils
