package ring

import "math"

func Average(items []float64) float64 {
	if len(items) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range items {
		sum += v
	}
	return sum / float64(len(items))
}

func Max(items []float64) float64 {
	if len(items) == 0 {
		return 0
	}
	max := items[0]
	for _, v := range items {
		if v > max {
			max = v
		}
	}
	return max
}

func StandardDeviation(items []float64, avg float64) float64 {
	if len(items) == 0 {
		return 0
	}
	vn := 0.0
	for _, v := range items {
		vn += math.Pow(v-avg, 2)
	}
	return math.Sqrt(vn / float64(len(items)))
}
