package training

import "math"

// SRGBToLinear converts sRGB-encoded channel values to linear light in place
func SRGBToLinear(v []float32) {
	for i, x := range v {
		if x < 0.04045 {
			v[i] = x / 12.92
		} else {
			v[i] = float32(math.Pow((float64(x)+0.055)/1.055, 2.4))
		}
	}
}

// LinearToSRGB converts linear channel values to sRGB encoding in place
func LinearToSRGB(v []float32) {
	for i, x := range v {
		if x < 0.0031308 {
			v[i] = 12.92 * x
		} else {
			v[i] = float32(1.055*math.Pow(float64(x), 0.41666) - 0.055)
		}
	}
}

// composite blends RGBA ground truth over a background, or copies RGB as
// is. images is [.., C] with C of 3 or 4; background is [.., 3] with the
// same leading shape. The result is always three channels.
func composite(images []float32, channels int, background []float32) []float32 {
	if channels == 3 {
		return append([]float32(nil), images...)
	}
	n := len(images) / channels
	out := make([]float32, n*3)
	for i := 0; i < n; i++ {
		alpha := images[i*channels+3]
		for c := 0; c < 3; c++ {
			out[i*3+c] = images[i*channels+c]*alpha + background[i*3+c]*(1-alpha)
		}
	}
	return out
}
