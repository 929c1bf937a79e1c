package mathutil

// LogZero represents log(0), used as negative infinity in log-domain arithmetic.
const LogZero = -1e30
