package tensor

import "math"

// BilinearResize resamples a [C,H,W] tensor to [C,outH,outW] using
// bilinear interpolation with half-pixel centers (align_corners=false
// semantics: src = (dst+0.5)*scale - 0.5, clamped to the source grid).
func BilinearResize(src *Dense, outH, outW int) *Dense {
	c, h, w := src.Shape[0], src.Shape[1], src.Shape[2]
	out := New(c, outH, outW)

	scaleH := float64(h) / float64(outH)
	scaleW := float64(w) / float64(outW)

	for oy := 0; oy < outH; oy++ {
		sy := (float64(oy)+0.5)*scaleH - 0.5
		if sy < 0 {
			sy = 0
		}
		y0 := int(math.Floor(sy))
		y1 := y0 + 1
		if y0 > h-1 {
			y0 = h - 1
		}
		if y1 > h-1 {
			y1 = h - 1
		}
		fy := float32(sy - float64(y0))

		for ox := 0; ox < outW; ox++ {
			sx := (float64(ox)+0.5)*scaleW - 0.5
			if sx < 0 {
				sx = 0
			}
			x0 := int(math.Floor(sx))
			x1 := x0 + 1
			if x0 > w-1 {
				x0 = w - 1
			}
			if x1 > w-1 {
				x1 = w - 1
			}
			fx := float32(sx - float64(x0))

			for ch := 0; ch < c; ch++ {
				base := ch * h * w
				v00 := src.Data[base+y0*w+x0]
				v01 := src.Data[base+y0*w+x1]
				v10 := src.Data[base+y1*w+x0]
				v11 := src.Data[base+y1*w+x1]
				top := v00 + fx*(v01-v00)
				bot := v10 + fx*(v11-v10)
				out.Data[(ch*outH+oy)*outW+ox] = top + fy*(bot-top)
			}
		}
	}
	return out
}

// AdaptiveAvgPool2D pools a [H,W] matrix down to [outH,outW]. Each output
// cell averages the source window [floor(i*H/outH), ceil((i+1)*H/outH)),
// so any input size is poolable without being a multiple of the output.
func AdaptiveAvgPool2D(src *Dense, outH, outW int) *Dense {
	h, w := src.Shape[0], src.Shape[1]
	out := New(outH, outW)

	for oy := 0; oy < outH; oy++ {
		y0 := (oy * h) / outH
		y1 := ((oy+1)*h + outH - 1) / outH
		for ox := 0; ox < outW; ox++ {
			x0 := (ox * w) / outW
			x1 := ((ox+1)*w + outW - 1) / outW

			var sum float32
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sum += src.Data[y*w+x]
				}
			}
			out.Data[oy*outW+ox] = sum / float32((y1-y0)*(x1-x0))
		}
	}
	return out
}
