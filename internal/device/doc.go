// Package device holds the data model shared by every layer of the BLE core:
//   - the error taxonomy (ErrorKind, Error) carried by rejected operations and error events
//   - UUID normalization to the full lowercase 128-bit form
//   - the characteristic property bitmask
//   - the ordered service/characteristic catalog of a connected peripheral
//   - the flat device-info record produced by scanning
package device
